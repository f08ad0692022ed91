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

	"github.com/gravwell/workerd/internal/bus"
	"github.com/gravwell/workerd/internal/log"
)

// Challenger obtains a challenge certificate for domain from an ACME
// certificate authority. Actually dialing a CA over the network is out
// of scope here exactly as spec.md excludes the HTTP pipeline and TLS
// handshake code (§1 Non-goals); ACMESibling owns only the bus-facing
// orchestration around whatever Challenger a deployment wires in (e.g.
// an ACME client using the tls-alpn-01 or http-01 challenge type).
type Challenger interface {
	Obtain(ctx context.Context, domain string) (cert []byte, err error)
}

// ACMESibling is the privileged sibling process occupying shm.WorkerACME.
// It answers CERTIFICATE_REQ the same way KeyManager does, but backs it
// with an in-progress ACME challenge rather than an already-issued
// certificate, and additionally broadcasts ACME_CHALLENGE_SET_CERT and
// ACME_CHALLENGE_CLEAR_CERT so every worker can present the challenge
// certificate during the CA's validation window, per spec.md §4.F.
type ACMESibling struct {
	Bus        *bus.Bus
	Challenger Challenger
	lg         *log.Logger
}

// NewACMESibling builds an ACMESibling and registers its request handler
// on b.
func NewACMESibling(b *bus.Bus, c Challenger, lg *log.Logger) *ACMESibling {
	a := &ACMESibling{Bus: b, Challenger: c, lg: lg}
	b.Register(bus.MsgCertificateReq, a.handleCertificateReq)
	return a
}

func (a *ACMESibling) handleCertificateReq(from bus.Destination, h bus.Header, payload []byte) error {
	domain, _, err := bus.ValidateCertPayload(payload)
	if err != nil {
		a.lg.Warn("malformed acme certificate request", log.KV("worker", int32(from)), log.KVErr(err))
		return err
	}
	cert, err := a.Challenger.Obtain(context.Background(), domain)
	if err != nil {
		a.lg.Error("acme challenge failed", log.KV("domain", domain), log.KVErr(err))
		return err
	}
	setPayload, err := bus.EncodeCertPayload(domain, cert)
	if err != nil {
		return err
	}
	if _, err := a.Bus.Send(bus.Broadcast, bus.MsgACMEChallengeSetCert, setPayload); err != nil {
		a.lg.Warn("challenge cert broadcast failed", log.KV("domain", domain), log.KVErr(err))
	}
	return a.Bus.SendCorrelated(from, bus.MsgCertificate, h.Correlation, setPayload)
}

// ClearChallenge broadcasts ACME_CHALLENGE_CLEAR_CERT for domain, used
// once the CA has validated the challenge and the temporary certificate
// is no longer needed.
func (a *ACMESibling) ClearChallenge(domain string) error {
	payload, err := bus.EncodeCertPayload(domain, nil)
	if err != nil {
		return err
	}
	_, err = a.Bus.Send(bus.Broadcast, bus.MsgACMEChallengeClearCert, payload)
	return err
}

// Run serves the ACME sibling's connection up to the supervisor until
// ctx is done or the connection errors.
func (a *ACMESibling) Run(ctx context.Context) error {
	return a.Bus.Serve(ctx, bus.Parent)
}
