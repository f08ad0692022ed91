/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package keymgr

import (
	"context"
	"crypto/rand"

	"github.com/gravwell/workerd/internal/bus"
	"github.com/gravwell/workerd/internal/log"
)

// KeyManager is the privileged sibling process occupying
// shm.WorkerKeyManager: it owns certificate material and entropy on
// behalf of every network worker, answering CERTIFICATE_REQ and
// ENTROPY_REQ over the bus per spec.md §4.F. Construction registers its
// handlers on b; Run then just serves the connection.
type KeyManager struct {
	Bus   *bus.Bus
	Store *Store
	lg    *log.Logger
}

// NewKeyManager builds a KeyManager and registers its request handlers
// on b.
func NewKeyManager(b *bus.Bus, store *Store, lg *log.Logger) *KeyManager {
	k := &KeyManager{Bus: b, Store: store, lg: lg}
	b.Register(bus.MsgCertificateReq, k.handleCertificateReq)
	b.Register(bus.MsgEntropyReq, k.handleEntropyReq)
	return k
}

func (k *KeyManager) handleCertificateReq(from bus.Destination, h bus.Header, payload []byte) error {
	domain, _, err := bus.ValidateCertPayload(payload)
	if err != nil {
		k.lg.Warn("malformed certificate request", log.KV("worker", int32(from)), log.KVErr(err))
		return err
	}
	entry, ok := k.Store.Get(domain)
	if !ok {
		k.lg.Warn("certificate requested for unknown domain", log.KV("worker", int32(from)), log.KV("domain", domain))
		return ErrUnknownDomain
	}
	out, err := bus.EncodeCertPayload(domain, entry.Cert)
	if err != nil {
		return err
	}
	return k.Bus.SendCorrelated(from, bus.MsgCertificate, h.Correlation, out)
}

func (k *KeyManager) handleEntropyReq(from bus.Destination, h bus.Header, payload []byte) error {
	buf := make([]byte, bus.EntropyPayloadSize)
	if _, err := rand.Read(buf); err != nil {
		k.lg.Error("entropy read failed", log.KVErr(err))
		return err
	}
	return k.Bus.SendCorrelated(from, bus.MsgEntropyResp, h.Correlation, buf)
}

// PublishCRL installs crl in the store and broadcasts it to every
// connected worker, used after a revocation check or periodic CRL fetch.
func (k *KeyManager) PublishCRL(crl []byte) error {
	k.Store.SetCRL(crl)
	payload, err := bus.EncodeCertPayload(``, crl)
	if err != nil {
		return err
	}
	_, err = k.Bus.Send(bus.Broadcast, bus.MsgCRL, payload)
	return err
}

// Run serves the key-manager's connection up to the supervisor until ctx
// is done or the connection errors, dispatching CERTIFICATE_REQ and
// ENTROPY_REQ to the handlers registered at construction.
func (k *KeyManager) Run(ctx context.Context) error {
	return k.Bus.Serve(ctx, bus.Parent)
}
