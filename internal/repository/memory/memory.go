// Package memory provides in-process repository implementations for local
// runs and tests. State is lost on restart and is not shared between
// processes, so production deployments use the postgres and redis backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/and161185/ea-relay/internal/repository"
)

var (
	_ repository.OwnerRepository     = (*Owners)(nil)
	_ repository.DeviceRepository    = (*Devices)(nil)
	_ repository.SignalRepository    = (*Signals)(nil)
	_ repository.ExecutionRepository = (*Executions)(nil)
	_ repository.NonceStore          = (*Nonces)(nil)
)

// Store holds every table behind one lock.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	owners     map[uuid.UUID]model.Owner
	devices    map[uuid.UUID]model.Device
	signals    map[uuid.UUID]model.Signal
	executions map[execKey]model.Execution
	nonces     map[nonceKey]time.Time

	seq   uint64
	order map[uuid.UUID]uint64 // insertion order of devices and signals
}

type execKey struct{ approval, device uuid.UUID }

type nonceKey struct{ device, nonce string }

// New returns an empty store using the wall clock.
func New() *Store { return NewWithClock(time.Now) }

// NewWithClock returns an empty store reading time from now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:        now,
		owners:     map[uuid.UUID]model.Owner{},
		devices:    map[uuid.UUID]model.Device{},
		signals:    map[uuid.UUID]model.Signal{},
		executions: map[execKey]model.Execution{},
		nonces:     map[nonceKey]time.Time{},
		order:      map[uuid.UUID]uint64{},
	}
}

func (s *Store) stamp(id uuid.UUID) {
	s.seq++
	s.order[id] = s.seq
}

// before orders by creation time, then insertion order.
func (s *Store) before(a, b uuid.UUID, ta, tb time.Time) bool {
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return s.order[a] < s.order[b]
}

func (s *Store) Owners() *Owners         { return &Owners{s} }
func (s *Store) Devices() *Devices       { return &Devices{s} }
func (s *Store) Signals() *Signals       { return &Signals{s} }
func (s *Store) Executions() *Executions { return &Executions{s} }
func (s *Store) Nonces() *Nonces         { return &Nonces{s} }

// Owners implements repository.OwnerRepository.
type Owners struct{ s *Store }

func (r *Owners) Create(_ context.Context, o *model.Owner) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cur := range r.s.owners {
		if cur.Username == o.Username {
			return errs.ErrAlreadyExists
		}
	}
	o.CreatedAt = r.s.now().UTC()
	r.s.owners[o.ID] = *o
	return nil
}

func (r *Owners) GetByUsername(_ context.Context, username string) (*model.Owner, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cur := range r.s.owners {
		if cur.Username == username {
			c := cur
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

// Delete cascades to devices, signals and executions like the SQL schema.
func (r *Owners) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.owners[id]; !ok {
		return errs.ErrNotFound
	}
	delete(r.s.owners, id)
	for did, d := range r.s.devices {
		if d.OwnerID == id {
			delete(r.s.devices, did)
		}
	}
	for sid, sig := range r.s.signals {
		if sig.OwnerID != id {
			continue
		}
		delete(r.s.signals, sid)
		if sig.ApprovalID == nil {
			continue
		}
		for k := range r.s.executions {
			if k.approval == *sig.ApprovalID {
				delete(r.s.executions, k)
			}
		}
	}
	return nil
}

// Devices implements repository.DeviceRepository.
type Devices struct{ s *Store }

func (r *Devices) nameTaken(ownerID, except uuid.UUID, name string) bool {
	for _, d := range r.s.devices {
		if d.OwnerID == ownerID && d.Name == name && d.ID != except {
			return true
		}
	}
	return false
}

func (r *Devices) Create(_ context.Context, d *model.Device) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.owners[d.OwnerID]; !ok {
		return errs.ErrNotFound
	}
	if r.nameTaken(d.OwnerID, uuid.Nil, d.Name) {
		return errs.ErrAlreadyExists
	}
	d.CreatedAt = r.s.now().UTC()
	r.s.devices[d.ID] = *d
	r.s.stamp(d.ID)
	return nil
}

func (r *Devices) GetByID(_ context.Context, id uuid.UUID) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &d, nil
}

func (r *Devices) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.Device{}
	for _, d := range r.s.devices {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.s.before(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	return out, nil
}

func (r *Devices) owned(ownerID, id uuid.UUID) (model.Device, bool) {
	d, ok := r.s.devices[id]
	if !ok || d.OwnerID != ownerID {
		return model.Device{}, false
	}
	return d, true
}

func (r *Devices) Rename(_ context.Context, ownerID, id uuid.UUID, name string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.owned(ownerID, id)
	if !ok {
		return errs.ErrNotFound
	}
	if r.nameTaken(ownerID, id, name) {
		return errs.ErrAlreadyExists
	}
	d.Name = name
	r.s.devices[id] = d
	return nil
}

func (r *Devices) Revoke(_ context.Context, ownerID, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.owned(ownerID, id)
	if !ok {
		return errs.ErrNotFound
	}
	d.Revoked = true
	d.IsActive = false
	if d.RevokedAt == nil {
		d.RevokedAt = &at
	}
	r.s.devices[id] = d
	return nil
}

func (r *Devices) SetKey(_ context.Context, ownerID, id uuid.UUID, tag string, expiresAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.owned(ownerID, id)
	if !ok {
		return errs.ErrNotFound
	}
	if d.Revoked {
		return errs.ErrDeviceRevoked
	}
	d.KeyTag = tag
	d.KeyExpiresAt = expiresAt
	r.s.devices[id] = d
	return nil
}

func (r *Devices) TouchPoll(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return nil
	}
	d.LastPoll = &at
	d.LastSeen = &at
	r.s.devices[id] = d
	return nil
}

// Signals implements repository.SignalRepository.
type Signals struct{ s *Store }

func (r *Signals) Create(_ context.Context, sig *model.Signal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.owners[sig.OwnerID]; !ok {
		return errs.ErrNotFound
	}
	sig.State = model.SignalNew
	sig.CreatedAt = r.s.now().UTC()
	r.s.signals[sig.ID] = *sig
	r.s.stamp(sig.ID)
	return nil
}

func (r *Signals) Approve(_ context.Context, ownerID, id, approvalID uuid.UUID, at time.Time) (*model.Signal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sig, ok := r.s.signals[id]
	if !ok || sig.OwnerID != ownerID {
		return nil, errs.ErrNotFound
	}
	if sig.State != model.SignalNew {
		return nil, errs.ErrAlreadyExists
	}
	sig.State = model.SignalApproved
	sig.ApprovalID = &approvalID
	sig.ApprovedAt = &at
	r.s.signals[id] = sig
	return &sig, nil
}

func (r *Signals) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]model.Signal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.filter(func(s model.Signal) bool { return s.OwnerID == ownerID })
	sort.Slice(out, func(i, j int) bool {
		return r.s.before(out[j].ID, out[i].ID, out[j].CreatedAt, out[i].CreatedAt)
	})
	return out, nil
}

func (r *Signals) ListDeliverable(_ context.Context, ownerID uuid.UUID, limit int) ([]model.Signal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.filter(func(s model.Signal) bool {
		return s.OwnerID == ownerID && s.State == model.SignalApproved && s.ArmedAt == nil
	})
	sort.Slice(out, func(i, j int) bool {
		return r.s.before(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Signals) filter(keep func(model.Signal) bool) []model.Signal {
	out := []model.Signal{}
	for _, s := range r.s.signals {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// Executions implements repository.ExecutionRepository.
type Executions struct{ s *Store }

func (r *Executions) Record(_ context.Context, ownerID uuid.UUID, e *model.Execution) (model.Execution, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var sig *model.Signal
	for id, cur := range r.s.signals {
		if cur.OwnerID == ownerID && cur.ApprovalID != nil && *cur.ApprovalID == e.ApprovalID {
			c := r.s.signals[id]
			sig = &c
			break
		}
	}
	if sig == nil {
		return model.Execution{}, false, errs.ErrNotFound
	}

	k := execKey{approval: e.ApprovalID, device: e.DeviceID}
	if prior, ok := r.s.executions[k]; ok {
		return prior, true, nil
	}
	now := r.s.now().UTC()
	stored := *e
	stored.CreatedAt = now
	r.s.executions[k] = stored

	switch {
	case e.Status == model.ExecutionExecuted && (sig.State == model.SignalApproved || sig.State == model.SignalFailed):
		sig.State = model.SignalExecuted
		sig.ArmedAt = &now
	case e.Status == model.ExecutionFailed && sig.State == model.SignalApproved:
		sig.State = model.SignalFailed
	}
	r.s.signals[sig.ID] = *sig

	if d, ok := r.s.devices[e.DeviceID]; ok {
		d.LastAck = &now
		d.LastSeen = &now
		r.s.devices[d.ID] = d
	}
	return stored, false, nil
}

// Count returns the number of stored executions.
func (r *Executions) Count() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.executions)
}

// Nonces implements repository.NonceStore.
type Nonces struct{ s *Store }

func (r *Nonces) Consume(_ context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	k := nonceKey{device: deviceID, nonce: nonce}
	if exp, ok := r.s.nonces[k]; ok && now.Before(exp) {
		return false, nil
	}
	r.s.nonces[k] = now.Add(ttl)
	return true, nil
}

// Purge drops expired nonce records.
func (r *Nonces) Purge(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	var n int64
	for k, exp := range r.s.nonces {
		if !now.Before(exp) {
			delete(r.s.nonces, k)
			n++
		}
	}
	return n, nil
}
