// Copyright 2024 The Relaygate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tlsdiag classifies free-text transport and TLS error messages into
// structured diagnoses: a likely cause and a recommended action.
//
// The proxy never decrypts or inspects TLS payloads. All it sees is the
// error text surfaced by the peer's transport stack, so classification is a
// heuristic, ordered substring match.
package tlsdiag

import "strings"

// Diagnosis is the structured classification of a raw transport or TLS
// error. Values are immutable; they come from a static table.
type Diagnosis struct {
	// Key is the stable identifier of the matched pattern, or [KeyGeneric]
	// if no pattern matched.
	Key    string
	Cause  string
	Action string
	// VPNNote is populated only for TLS-related diagnoses produced with
	// VPN context enabled. See [Classify].
	VPNNote string
}

// KeyGeneric identifies the fallback diagnosis for error text that matches
// no known TLS pattern, e.g. an ordinary "connection refused".
const KeyGeneric = "transport-generic"

// vpnNote is a static annotation, not a runtime network-path check: the
// caller decides whether the platform makes VPN-mediated TLS interception
// plausible.
const vpnNote = "VPN routing may affect certificate validation; the certificate may be valid but blocked by VPN policy"

type entry struct {
	pattern string
	key     string
	cause   string
	action  string
}

// patterns is checked top to bottom and the first substring match wins, so
// more specific patterns must precede the generic ones they contain. An
// error reading "certificate has expired ... self signed" reports the
// expiry, not a chain failure. This ordering is part of the contract and is
// pinned by tests; do not sort it.
var patterns = []entry{
	// Validity period.
	{"certificate has expired", "cert-expired", "Certificate has expired", "Update the certificate on the target server"},
	{"certificate expired", "cert-expired", "Certificate has expired", "Update the certificate on the target server"},
	{"certificate is not yet valid", "cert-not-yet-valid", "Certificate is not yet valid", "Check the server clock and the certificate validity period"},
	{"certificate not yet valid", "cert-not-yet-valid", "Certificate is not yet valid", "Check the server clock and the certificate validity period"},

	// Revocation.
	{"certificate has been revoked", "cert-revoked", "Certificate has been revoked", "Renew the certificate with a new signing"},
	{"certificate revoked", "cert-revoked", "Certificate has been revoked", "Renew the certificate with a new signing"},

	// Self-signed / untrusted issuers.
	{"self signed certificate in certificate chain", "cert-self-signed-chain", "A self-signed certificate appears in the certificate chain", "Add the issuing certificate to the trust store or deploy a publicly trusted chain"},
	{"self-signed certificate", "cert-self-signed", "Certificate is self-signed", "Add the certificate to the trust store or use a CA-issued certificate"},
	{"self signed certificate", "cert-self-signed", "Certificate is self-signed", "Add the certificate to the trust store or use a CA-issued certificate"},
	{"unable to get local issuer certificate", "cert-local-issuer", "The local trust store has no issuer certificate for the chain", "Install the intermediate/root CA certificates locally"},
	{"cannot get local issuer certificate", "cert-local-issuer", "The local trust store has no issuer certificate for the chain", "Install the intermediate/root CA certificates locally"},
	{"unable to verify the first certificate", "cert-chain-incomplete", "The server sent an incomplete certificate chain", "Configure the server to send its intermediate certificates"},
	{"unknown certificate authority", "cert-unknown-ca", "Certificate was issued by an unknown certificate authority", "Add the CA to the trust store or use a trusted CA"},
	{"unknown ca", "cert-unknown-ca", "Certificate was issued by an unknown certificate authority", "Add the CA to the trust store or use a trusted CA"},
	{"untrusted root", "cert-untrusted", "Certificate chains to an untrusted root", "Add the root certificate to the trust store"},
	{"untrusted", "cert-untrusted", "Certificate is untrusted", "Add the certificate to the trust store or use a valid certificate"},

	// Name checks.
	{"hostname mismatch", "cert-hostname-mismatch", "Certificate does not match the requested hostname", "Request the server by a name the certificate covers, or reissue the certificate"},
	{"doesn't match the", "cert-hostname-mismatch", "Certificate does not match the requested hostname", "Request the server by a name the certificate covers, or reissue the certificate"},
	{"subject alternative name", "cert-hostname-mismatch", "Certificate does not match the requested hostname", "Reissue the certificate with the correct subject alternative names"},

	// Signature / verification.
	{"certificate signature", "cert-bad-signature", "Certificate signature verification failed", "Check the certificate chain for corruption or unsupported algorithms"},
	{"certificate verify failed", "cert-verify-failed", "Certificate verification failed", "Check the certificate chain and CA trust"},
	{"certificate verification failed", "cert-verify-failed", "Certificate verification failed", "Check the certificate chain and CA trust"},
	{"verification failed", "cert-verify-failed", "Certificate verification failed", "Check the certificate chain and CA trust"},
	{"bad certificate", "cert-bad", "Peer rejected the certificate as bad", "Check certificate encoding and compatibility with the peer"},

	// Protocol negotiation. These precede the bare handshake patterns so a
	// version or cipher problem is not reported as a generic handshake
	// failure.
	{"protocol version mismatch", "tls-protocol-mismatch", "TLS protocol version mismatch", "Align the TLS versions supported by client and server"},
	{"unsupported protocol", "tls-protocol-mismatch", "TLS protocol version mismatch", "Align the TLS versions supported by client and server"},
	{"no cipher suites in common", "tls-cipher-mismatch", "No cipher suites in common", "Align the cipher suites supported by client and server"},
	{"handshake failure", "tls-handshake", "TLS handshake failed", "Check certificate compatibility and the TLS version"},
	{"handshake failed", "tls-handshake", "TLS handshake failed", "Check certificate compatibility and the TLS version"},
	{"handshake", "tls-handshake", "TLS handshake failed", "Check certificate compatibility and the TLS version"},

	// Catch-alls for anything that still smells like TLS.
	{"certificate authority", "cert-authority", "Certificate authority problem", "Investigate the issuing CA and the local trust store"},
	{"certificate chain", "cert-chain", "Certificate chain problem", "Check the certificate chain and CA trust"},
	{"certificate", "cert-unknown", "Unknown certificate issue", "Investigate certificate validity and trust"},
	{"tls alert", "tls-alert", "Peer sent a TLS alert", "Inspect the peer's TLS configuration"},
	{"tls", "tls-unknown", "Unclassified TLS failure", "Investigate the TLS configuration on both ends"},
	{"ssl", "tls-unknown", "Unclassified TLS failure", "Investigate the TLS configuration on both ends"},
}

// Classify returns the Diagnosis whose pattern first matches errText as a
// case-insensitive substring. If no pattern matches, it returns the generic
// transport diagnosis ([KeyGeneric]).
//
// vpnContext marks platforms where VPN-mediated TLS interception is
// plausible; when set, TLS-related diagnoses carry an additional note. It is
// a configuration flag so the classifier stays testable without any platform
// collaborator.
//
// Classify is used identically for upstream dial/handshake failures and for
// mid-relay read/write failures, so the diagnosis for a given error text
// does not depend on when the failure surfaced.
func Classify(errText string, vpnContext bool) Diagnosis {
	lower := strings.ToLower(errText)
	for _, e := range patterns {
		if strings.Contains(lower, e.pattern) {
			d := Diagnosis{Key: e.key, Cause: e.cause, Action: e.action}
			if vpnContext {
				d.VPNNote = vpnNote
			}
			return d
		}
	}
	return Diagnosis{
		Key:    KeyGeneric,
		Cause:  "Unclassified transport error",
		Action: "Check network reachability of the target",
	}
}

// TLSRelated reports whether d matched a known TLS pattern, as opposed to
// the generic transport fallback.
func (d Diagnosis) TLSRelated() bool {
	return d.Key != KeyGeneric
}
