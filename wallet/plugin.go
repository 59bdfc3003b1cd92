package wallet

import kb "github.com/panyam/keybridge"

// Version of the wallet plugin.
const Version = "1.0.0"

// NewPlugin returns the wallet authentication plugin. Providers are probed in
// the order given; the first one present is used.
func NewPlugin(providers ...kb.Provider) *kb.SignerPlugin {
	return kb.NewSignerPlugin(kb.SignerPluginOptions{
		Name:               "wallet",
		Version:            Version,
		Method:             kb.MethodWallet,
		Slots:              func() []kb.Slot { return Slots(providers...) },
		ValidateIdentifier: ValidateAddress,
	})
}

// Slots names providers the way injected wallets are usually found.
func Slots(providers ...kb.Provider) []kb.Slot {
	names := []string{"ethereum", "ethereum.providers[0]", "ethereum.providers[1]"}
	out := make([]kb.Slot, 0, len(providers))
	for i, p := range providers {
		name := "wallet"
		if i < len(names) {
			name = names[i]
		}
		out = append(out, kb.Slot{Name: name, Provider: p})
	}
	return out
}
