package eventlog

import "crypto/ed25519"

// Ed25519Certifier signs tip digests with a service key so that
// external readers holding the public key can verify a returned tip.
type Ed25519Certifier struct {
	key ed25519.PrivateKey
}

func NewEd25519Certifier(key ed25519.PrivateKey) *Ed25519Certifier {
	return &Ed25519Certifier{key: key}
}

func (c *Ed25519Certifier) Certify(tip [32]byte) ([]byte, error) {
	return ed25519.Sign(c.key, tip[:]), nil
}

// VerifyCertificate checks a certificate returned alongside a tip
// prefix against the certifier's public key.
func VerifyCertificate(pub ed25519.PublicKey, tip, certificate []byte) bool {
	return ed25519.Verify(pub, tip, certificate)
}

var _ Certifier = (*Ed25519Certifier)(nil)
