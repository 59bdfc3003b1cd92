package keybridge

// ConsistencyResult reports whether the keys derived from the credential on
// file match an identity bound earlier.
type ConsistencyResult struct {
	Consistent  bool   `json:"consistent"`
	ActualPub   string `json:"actualPub"`
	ExpectedPub string `json:"expectedPub,omitempty"`
}

// VerifyConsistency recomputes the key pair for the credential registered under
// identifier and compares its public key to expectedPub. An empty expectedPub
// is reported as consistent. No network calls are made.
func VerifyConsistency(registry *CredentialRegistry, identifier, expectedPub string, extra ...string) (*ConsistencyResult, error) {
	if normalizeIdentifier(identifier) == "" {
		return nil, NewAuthError(KindValidation, ErrCodeInvalidIdentifier, "identifier is required", nil)
	}
	cred, ok := registry.Get(identifier)
	if !ok {
		return nil, NewAuthError(KindValidation, ErrCodeNoCredential, "no credential on file for "+identifier, nil)
	}
	pair, err := DeriveKeyPair(cred.Password, extra...)
	if err != nil {
		return nil, err
	}
	res := &ConsistencyResult{ActualPub: pair.Pub, ExpectedPub: expectedPub}
	res.Consistent = expectedPub == "" || expectedPub == pair.Pub
	return res, nil
}
