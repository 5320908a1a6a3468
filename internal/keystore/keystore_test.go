package keystore_test

import (
	"testing"

	"github.com/synnergy-labs/conductor/internal/keystore"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	ks, err := keystore.New("correct horse battery staple")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := ks.AddRandomSeed("root", 128); err != nil {
		t.Fatalf("add random seed: %v", err)
	}
	pub, err := ks.AddSigningKeyFromSeed("root", "agent1", "agent", 0)
	if err != nil {
		t.Fatalf("add signing key: %v", err)
	}

	sig, err := ks.Sign("agent1", []byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := keystore.Verify(pub, []byte("payload"), sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
}

func TestSignOneTimeProducesIndependentKey(t *testing.T) {
	pub, sig, err := keystore.SignOneTime([]byte("hello"))
	if err != nil {
		t.Fatalf("sign one time: %v", err)
	}
	ok, err := keystore.Verify(pub, []byte("hello"), sig)
	if err != nil || !ok {
		t.Fatalf("expected one-time signature to verify: ok=%v err=%v", ok, err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ks, err := keystore.New("hunter2")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := ks.AddRandomSeed("root", 128); err != nil {
		t.Fatalf("add random seed: %v", err)
	}
	pub, err := ks.AddSigningKeyFromSeed("root", "agent1", "agent", 0)
	if err != nil {
		t.Fatalf("add signing key: %v", err)
	}

	data, err := ks.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := keystore.Load(data, "hunter2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	gotPub, err := loaded.PublicKey("agent1")
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if string(gotPub) != string(pub) {
		t.Fatalf("expected the same public key after reload")
	}
}

func TestLoadWrongPassphraseFails(t *testing.T) {
	ks, err := keystore.New("correct")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data, err := ks.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := keystore.Load(data, "wrong"); err == nil {
		t.Fatalf("expected load with wrong passphrase to fail")
	}
}

func TestKeybundleDerivesDistinctSigningAndEncryptingKeys(t *testing.T) {
	ks, err := keystore.New("pw")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := ks.AddRandomSeed("root", 128); err != nil {
		t.Fatalf("add random seed: %v", err)
	}
	bundle, err := ks.AddKeybundleFromSeed("root", "agent1", "agent", 0)
	if err != nil {
		t.Fatalf("add keybundle: %v", err)
	}
	if string(bundle.SigningPub) == string(bundle.EncryptPub) {
		t.Fatalf("expected distinct signing and encrypting keys")
	}

	got, err := ks.GetKeybundle("agent1")
	if err != nil {
		t.Fatalf("get keybundle: %v", err)
	}
	if string(got.SigningPub) != string(bundle.SigningPub) {
		t.Fatalf("expected stable signing key across GetKeybundle")
	}
}

func TestChangePassphraseEagerlyReencrypts(t *testing.T) {
	ks, err := keystore.New("old-pass")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := ks.AddRandomSeed("root", 128); err != nil {
		t.Fatalf("add random seed: %v", err)
	}
	pub, err := ks.AddSigningKeyFromSeed("root", "agent1", "agent", 0)
	if err != nil {
		t.Fatalf("add signing key: %v", err)
	}

	if err := ks.ChangePassphrase("old-pass", "new-pass"); err != nil {
		t.Fatalf("change passphrase: %v", err)
	}

	data, err := ks.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := keystore.Load(data, "old-pass"); err == nil {
		t.Fatalf("expected the old passphrase to no longer open the saved file")
	}
	loaded, err := keystore.Load(data, "new-pass")
	if err != nil {
		t.Fatalf("load with new passphrase: %v", err)
	}
	gotPub, err := loaded.PublicKey("agent1")
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if string(gotPub) != string(pub) {
		t.Fatalf("expected the signing key material to survive re-encryption")
	}
}

func TestChangePassphraseWrongOldFails(t *testing.T) {
	ks, err := keystore.New("old-pass")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ks.ChangePassphrase("not-the-old-pass", "new-pass"); err == nil {
		t.Fatalf("expected change passphrase to fail with the wrong old passphrase")
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	ks, err := keystore.New("pw")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := ks.AddRandomSeed("root", 128); err != nil {
		t.Fatalf("add random seed: %v", err)
	}
	if _, err := ks.AddRandomSeed("root", 128); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}
}
