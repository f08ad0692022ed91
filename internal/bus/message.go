/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package bus implements the parent-mediated message bus described in
// spec.md §4.G: point-to-point, reliable, ordered delivery of typed
// messages over per-slot AF_UNIX socketpairs, plus the broadcast and
// request/response correlation semantics §4.F and §4.D build on top of
// it. The byte-level framing is an implementation choice (spec.md §1
// explicitly leaves framing out of scope); this package commits to one
// so the module is concretely buildable, using a fixed binary header
// matching the style of gravwell's own wire headers.
package bus

import (
	"github.com/google/uuid"

	"github.com/gravwell/workerd/internal/shm"
)

// MessageID names the payload kinds that cross the bus, per spec.md §4.F.
type MessageID uint8

const (
	MsgCertificate MessageID = iota + 1
	MsgCRL
	MsgEntropyResp
	MsgACMEChallengeSetCert
	MsgACMEChallengeClearCert
	MsgCertificateReq
	MsgEntropyReq
	MsgAcceptAvailable
	MsgShutdown
)

func (m MessageID) String() string {
	switch m {
	case MsgCertificate:
		return `CERTIFICATE`
	case MsgCRL:
		return `CRL`
	case MsgEntropyResp:
		return `ENTROPY_RESP`
	case MsgACMEChallengeSetCert:
		return `ACME_CHALLENGE_SET_CERT`
	case MsgACMEChallengeClearCert:
		return `ACME_CHALLENGE_CLEAR_CERT`
	case MsgCertificateReq:
		return `CERTIFICATE_REQ`
	case MsgEntropyReq:
		return `ENTROPY_REQ`
	case MsgAcceptAvailable:
		return `ACCEPT_AVAILABLE`
	case MsgShutdown:
		return `SHUTDOWN`
	}
	return `UNKNOWN`
}

// Destination names who a message is addressed to. It reuses
// shm.WorkerID's id space with two extra sentinels that never appear
// as a real worker slot.
type Destination = shm.WorkerID

const (
	// Parent addresses the supervisor itself.
	Parent Destination = -3
	// Broadcast addresses every worker currently connected to the bus,
	// excluding the sender.
	Broadcast Destination = -4
)

// Header precedes every frame on the wire. Origin and Dest let the
// parent relay a frame it did not originate, which is how "point to
// point between two workers" is implemented without a direct
// worker-to-worker socket: everything is mediated by the parent.
type Header struct {
	ID          MessageID
	Origin      Destination
	Dest        Destination
	Length      uint32
	Correlation uuid.UUID
}

const headerSize = 1 /*id*/ + 4 /*origin*/ + 4 /*dest*/ + 4 /*length*/ + 16 /*correlation*/

// MaxPayload bounds a single frame's payload to guard against a
// corrupted length field driving an unbounded allocation.
const MaxPayload = 1 << 20
