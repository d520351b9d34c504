// Command ea is the relay client: owner commands manage the account, devices
// and signals; device commands poll, ack and run the execution loop.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/and161185/ea-relay/internal/eaclient"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// deviceFile holds the credentials of the device this host runs as.
type deviceFile struct {
	DeviceID         string `json:"device_id"`
	HMACSecret       string `json:"hmac_secret"`
	EncryptionKeyB64 string `json:"encryption_key_b64"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "ea-relay")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ea-relay")
}

func tokenPath() string  { return filepath.Join(cfgDir(), "token.json") }
func devicePath() string { return filepath.Join(cfgDir(), "device.json") }

func writeSecretJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}

func saveToken(tok string, exp time.Time) error {
	return writeSecretJSON(tokenPath(), tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

func saveDevice(d deviceFile) error { return writeSecretJSON(devicePath(), d) }

func loadDevice() (deviceFile, error) {
	var d deviceFile
	b, err := os.ReadFile(devicePath())
	if err != nil {
		return d, fmt.Errorf("no device credentials (device-add -save first): %w", err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, err
	}
	return d, nil
}

// ---- http client ----

func httpClient(caPath string, insecure bool) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	switch {
	case insecure:
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // -insecure is dev only
	case caPath != "":
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("bad CA cert")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{Transport: tr, Timeout: eaclient.DefaultTimeout}, nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `ea CLI
Usage:
  ea -addr URL [-cacert file | -insecure] <cmd> [args]

Owner commands:
  version
  register       -u <username> -p <password>
  login          -u <username> -p <password>      (saves token)
  delete-account
  devices
  device-add     -name <name> [-save]              (-save stores credentials for this host)
  device-rename  -id <uuid> -name <name>
  device-revoke  -id <uuid>
  device-rotate  -id <uuid> [-save]
  signals
  signal-add     -file <payload.json|->
  signal-approve -id <uuid>

Device commands:
  poll
  ack            -id <approval> -status executed|failed [-detail text]
  run            -exec <command> [-interval 5s] [-once]
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS for HTTP calls.
func main() {
	// global flags
	addr := flag.String("addr", "http://localhost:8080", "relay base URL")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	insecure := flag.Bool("insecure", false, "skip cert verify (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	hc, err := httpClient(*caPath, *insecure)
	if err != nil {
		fail(err)
	}

	if cmd == "run" {
		// the loop owns its lifetime; every other command is a single exchange
		cmdRun(args, *addr, hc)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Printf("ea %s (%s)\n", version, buildDate)
	case "register", "login":
		cmdCredentials(ctx, cmd, args, *addr, hc)
	case "delete-account", "devices", "device-add", "device-rename", "device-revoke", "device-rotate",
		"signals", "signal-add", "signal-approve":
		cmdOwner(ctx, cmd, args, *addr, hc)
	case "poll":
		cmdPoll(ctx, *addr, hc)
	case "ack":
		cmdAck(ctx, args, *addr, hc)
	default:
		usage()
	}
}

func cmdCredentials(ctx context.Context, cmd string, args []string, addr string, hc *http.Client) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	_ = fs.Parse(args)
	if *u == "" || *p == "" {
		fmt.Fprintln(os.Stderr, "need -u and -p")
		os.Exit(1)
	}

	cli, err := eaclient.NewOwner(addr, hc)
	if err != nil {
		fail(err)
	}
	if cmd == "register" {
		id, err := cli.Register(ctx, *u, *p)
		if err != nil {
			fail(err)
		}
		fmt.Println(id)
		return
	}
	s, err := cli.Login(ctx, *u, *p)
	if err != nil {
		fail(err)
	}
	if err := saveToken(s.AccessToken, s.ExpiresAt); err != nil {
		fail(err)
	}
	fmt.Println("ok")
}

func cmdOwner(ctx context.Context, cmd string, args []string, addr string, hc *http.Client) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	id := fs.String("id", "", "device or signal id (uuid)")
	name := fs.String("name", "", "device name")
	file := fs.String("file", "", "signal payload file ('-'=stdin)")
	save := fs.Bool("save", false, "store issued device credentials locally")
	_ = fs.Parse(args)

	token, err := loadToken()
	if err != nil {
		fail(err)
	}
	cli, err := eaclient.NewOwner(addr, hc)
	if err != nil {
		fail(err)
	}
	cli.SetToken(token)

	need := func(ok bool, msg string) {
		if !ok {
			fmt.Fprintln(os.Stderr, msg)
			os.Exit(1)
		}
	}

	switch cmd {
	case "delete-account":
		if err := cli.DeleteAccount(ctx); err != nil {
			fail(err)
		}
		_ = os.Remove(tokenPath())
		fmt.Println("ok")

	case "devices":
		ds, err := cli.Devices(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(ds)

	case "device-add", "device-rotate":
		var issued eaclient.IssuedDevice
		if cmd == "device-add" {
			need(*name != "", "need -name")
			issued, err = cli.RegisterDevice(ctx, *name)
		} else {
			need(*id != "", "need -id")
			issued, err = cli.RotateKey(ctx, *id)
		}
		if err != nil {
			fail(err)
		}
		if *save {
			if err := saveIssued(issued); err != nil {
				fail(err)
			}
		}
		printJSON(issued)

	case "device-rename":
		need(*id != "" && *name != "", "need -id and -name")
		if err := cli.RenameDevice(ctx, *id, *name); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "device-revoke":
		need(*id != "", "need -id")
		if err := cli.RevokeDevice(ctx, *id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "signals":
		ss, err := cli.Signals(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(ss)

	case "signal-add":
		need(*file != "", "need -file")
		payload, err := readAll(*file)
		if err != nil {
			fail(err)
		}
		s, err := cli.CreateSignal(ctx, payload)
		if err != nil {
			fail(err)
		}
		printJSON(s)

	case "signal-approve":
		need(*id != "", "need -id")
		s, err := cli.ApproveSignal(ctx, *id)
		if err != nil {
			fail(err)
		}
		printJSON(s)
	}
}

// saveIssued stores registration credentials, or merges a rotated key into
// the stored credentials of the same device.
func saveIssued(issued eaclient.IssuedDevice) error {
	d := deviceFile{DeviceID: issued.DeviceID, HMACSecret: issued.HMACSecret, EncryptionKeyB64: issued.EncryptionKeyB64}
	if d.HMACSecret == "" {
		prev, err := loadDevice()
		if err != nil {
			return err
		}
		if prev.DeviceID != issued.DeviceID {
			return fmt.Errorf("stored credentials belong to device %s", prev.DeviceID)
		}
		d.HMACSecret = prev.HMACSecret
	}
	return saveDevice(d)
}

// ---- helpers ----

func fail(err error) {
	var apiErr *eaclient.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "relay error: status=%d msg=%s\n", apiErr.StatusCode, apiErr.Message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
