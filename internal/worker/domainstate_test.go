/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package worker

import "testing"

func TestDomainTableSetCertificateIsIdempotent(t *testing.T) {
	tbl := newDomainTable()
	tbl.SetCertificate("example.com", []byte("cert-v1"))
	first := tbl.Snapshot("example.com")

	tbl.SetCertificate("example.com", []byte("cert-v1"))
	second := tbl.Snapshot("example.com")

	if string(first.Cert) != string(second.Cert) {
		t.Fatalf("expected repeated CERTIFICATE application to leave identical state, got %q then %q", first.Cert, second.Cert)
	}
}

func TestDomainTableAcmeChallengeRoundTrip(t *testing.T) {
	tbl := newDomainTable()
	tbl.SetAcmeChallenge("example.com", []byte("challenge-der"))

	mid := tbl.Snapshot("example.com")
	if !mid.AcmeChallenge || mid.AcmeCertLen() == 0 {
		t.Fatal("expected the challenge certificate to be installed")
	}

	tbl.ClearAcmeChallenge("example.com")
	after := tbl.Snapshot("example.com")
	if after.AcmeChallenge {
		t.Fatal("expected acme_challenge=false after clear")
	}
	if after.AcmeCertLen() != 0 {
		t.Fatalf("expected acme_cert_len=0 after clear, got %d", after.AcmeCertLen())
	}
}

func TestDomainTableClearWithoutSetIsSafe(t *testing.T) {
	tbl := newDomainTable()
	tbl.ClearAcmeChallenge("never-touched.example.com")
	snap := tbl.Snapshot("never-touched.example.com")
	if snap.AcmeChallenge || snap.AcmeCertLen() != 0 {
		t.Fatal("expected clearing an untouched domain to remain empty")
	}
}

func TestDomainTableLazilyCreatesDomain(t *testing.T) {
	tbl := newDomainTable()
	if snap := tbl.Snapshot("unseen.example.com"); snap.Cert != nil || snap.CRL != nil {
		t.Fatal("expected an untouched domain's snapshot to be the zero value")
	}
	tbl.SetCRL("unseen.example.com", []byte("crl-bytes"))
	if snap := tbl.Snapshot("unseen.example.com"); string(snap.CRL) != "crl-bytes" {
		t.Fatalf("expected the CRL to be installed, got %q", snap.CRL)
	}
}
