package auth

import "crypto/tls"

// MTLSIdentity is the client-certificate identity carried by a verified
// mTLS handshake. It never participates in the bearer-token verification
// algorithm in Verify; it only annotates the audit trail for the
// admin/debug surface, the one place the identity is read. The TLS
// listener itself requests (but does not require) client certificates on
// every connection when a CA file is configured.
type MTLSIdentity struct {
	CommonName string
	Present    bool
}

// ExtractMTLS reports the client certificate's subject CN, if the
// connection completed a verified mTLS handshake (a verified chain, not
// just a presented certificate).
func ExtractMTLS(state *tls.ConnectionState) MTLSIdentity {
	if state == nil || len(state.PeerCertificates) == 0 || len(state.VerifiedChains) == 0 {
		return MTLSIdentity{}
	}
	return MTLSIdentity{CommonName: state.PeerCertificates[0].Subject.CommonName, Present: true}
}
