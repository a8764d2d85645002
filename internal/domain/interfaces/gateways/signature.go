package gateways

// SignatureVerifier checks a detached signature over data already read into memory
type SignatureVerifier interface {
	VerifySignature(data []byte, sigPath string) error
}
