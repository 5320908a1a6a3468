// Package keystore implements the passphrase-protected secret store (C8):
// seeds, signing keypairs, and encrypting keypairs derived from BIP-39
// seeds via SLIP-0010-style hardened HMAC-SHA512 derivation, the same
// scheme as core/wallet.go's HDWallet, generalised from a single
// account/index HD wallet into a named multi-secret keystore.
package keystore

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/synnergy-labs/conductor/internal/cerr"
)

const (
	hardenedOffset uint32 = 0x80000000
	masterHMACKey         = "ed25519 seed" // SLIP-0010 master-key string

	checkBlobHeader = "synnergy-conductor-keystore-check-v1"

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// SecretKind distinguishes the three secret shapes of spec.md §4.8.
type SecretKind string

const (
	KindSeed      SecretKind = "seed"
	KindSigning   SecretKind = "signing"
	KindEncrypt   SecretKind = "encrypting"
)

type secret struct {
	Kind SecretKind `json:"kind"`
	// Seed: raw bip-39 seed bytes. Signing/Encrypting: the 32-byte ed25519
	// seed (crypto/ed25519.SeedSize) used to reconstruct the keypair.
	Material []byte `json:"material"`
}

// KeyBundle is a derived signing+encrypting pair from one seed and
// context (the encrypting key at the index after the signing key's), per
// spec.md §4.8's add_keybundle_from_seed.
type KeyBundle struct {
	SigningID   string
	EncryptID   string
	SigningPub  ed25519.PublicKey
	EncryptPub  ed25519.PublicKey
}

// onDiskFile is the persisted, passphrase-encrypted shape of a Keystore.
type onDiskFile struct {
	Salt      []byte            `json:"salt"`
	CheckBlob []byte            `json:"check_blob"`
	Secrets   map[string][]byte `json:"secrets"` // id -> nonce||ciphertext
}

// Keystore holds secrets encrypted at rest under a single passphrase.
// Concurrent sign/verify on distinct ids may proceed in parallel; mutation
// of the secret map is serialised.
type Keystore struct {
	mu      sync.RWMutex
	secrets map[string]secret

	salt      []byte
	key       [32]byte
	checkBlob []byte
}

// New creates an empty keystore under the given passphrase.
func New(passphrase string) (*Keystore, error) {
	salt := make([]byte, 16)
	if _, err := crand.Read(salt); err != nil {
		return nil, cerr.Wrap(err, cerr.InternalFailure, "keystore: generate salt")
	}
	ks := &Keystore{secrets: make(map[string]secret), salt: salt}
	if err := ks.deriveKey(passphrase); err != nil {
		return nil, err
	}
	blob, err := ks.sealCheckBlob()
	if err != nil {
		return nil, err
	}
	ks.checkBlob = blob
	return ks, nil
}

func (ks *Keystore) deriveKey(passphrase string) error {
	k, err := scrypt.Key([]byte(passphrase), ks.salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return cerr.Wrap(err, cerr.InternalFailure, "keystore: derive key")
	}
	copy(ks.key[:], k)
	return nil
}

func (ks *Keystore) sealCheckBlob() ([]byte, error) {
	return ks.seal([]byte(checkBlobHeader))
}

func (ks *Keystore) seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := crand.Read(nonce[:]); err != nil {
		return nil, cerr.Wrap(err, cerr.InternalFailure, "keystore: generate nonce")
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &ks.key)
	return sealed, nil
}

func (ks *Keystore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, cerr.New(cerr.ValidationFailed, "keystore: sealed blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &ks.key)
	if !ok {
		return nil, cerr.New(cerr.CapabilityCheckFailed, "keystore: wrong passphrase")
	}
	return plain, nil
}

// Load opens a keystore file given a passphrase. Wrong passphrases are
// rejected by the check blob before any secret is touched.
func Load(data []byte, passphrase string) (*Keystore, error) {
	var f onDiskFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, cerr.Wrap(err, cerr.SerializationFailed, "keystore: decode file")
	}
	ks := &Keystore{secrets: make(map[string]secret), salt: f.Salt}
	if err := ks.deriveKey(passphrase); err != nil {
		return nil, err
	}
	if _, err := ks.open(f.CheckBlob); err != nil {
		return nil, err
	}
	ks.checkBlob = f.CheckBlob

	for id, sealed := range f.Secrets {
		plain, err := ks.open(sealed)
		if err != nil {
			return nil, cerr.Wrap(err, cerr.InternalFailure, fmt.Sprintf("keystore: decrypt secret %q", id))
		}
		var s secret
		if err := json.Unmarshal(plain, &s); err != nil {
			return nil, cerr.Wrap(err, cerr.SerializationFailed, fmt.Sprintf("keystore: decode secret %q", id))
		}
		ks.secrets[id] = s
	}
	return ks, nil
}

// Save serialises the keystore to its on-disk, passphrase-encrypted form.
func (ks *Keystore) Save() ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	f := onDiskFile{Salt: ks.salt, CheckBlob: ks.checkBlob, Secrets: make(map[string][]byte, len(ks.secrets))}
	for id, s := range ks.secrets {
		plain, err := json.Marshal(s)
		if err != nil {
			return nil, cerr.Wrap(err, cerr.SerializationFailed, "keystore: encode secret")
		}
		sealed, err := ks.seal(plain)
		if err != nil {
			return nil, err
		}
		f.Secrets[id] = sealed
	}
	return json.Marshal(f)
}

// List returns the ids of every secret currently held.
func (ks *Keystore) List() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	ids := make([]string, 0, len(ks.secrets))
	for id := range ks.secrets {
		ids = append(ids, id)
	}
	return ids
}

// AddRandomSeed generates sizeBits of fresh BIP-39 entropy and stores the
// derived seed under id.
func (ks *Keystore) AddRandomSeed(id string, sizeBits int) (mnemonic string, err error) {
	entropy, err := bip39.NewEntropy(sizeBits)
	if err != nil {
		return "", cerr.Wrap(err, cerr.InternalFailure, "keystore: generate entropy")
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", cerr.Wrap(err, cerr.InternalFailure, "keystore: build mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.secrets[id]; exists {
		return "", cerr.New(cerr.ValidationFailed, fmt.Sprintf("keystore: id %q already exists", id))
	}
	ks.secrets[id] = secret{Kind: KindSeed, Material: seed}
	return mnemonic, nil
}

// AddSeedFromSeed derives a new seed from an existing one deterministically
// (context + index distinguish derivation paths), mirroring
// core/wallet.go's hardened-child derivation.
func (ks *Keystore) AddSeedFromSeed(src, dst, context string, index uint32) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.secrets[dst]; exists {
		return cerr.New(cerr.ValidationFailed, fmt.Sprintf("keystore: id %q already exists", dst))
	}
	parent, ok := ks.secrets[src]
	if !ok || parent.Kind != KindSeed {
		return cerr.New(cerr.NotFound, fmt.Sprintf("keystore: seed %q not found", src))
	}
	derived, err := deriveChild(parent.Material, context, index)
	if err != nil {
		return err
	}
	ks.secrets[dst] = secret{Kind: KindSeed, Material: derived}
	return nil
}

// AddSigningKeyFromSeed derives an ed25519 signing keypair under id from
// seed src.
func (ks *Keystore) AddSigningKeyFromSeed(src, id, context string, index uint32) (ed25519.PublicKey, error) {
	return ks.addKeyFromSeed(src, id, KindSigning, context, index)
}

// AddEncryptingKeyFromSeed derives an ed25519 keypair used for authenticated
// encryption under id from seed src (the spec treats encrypting keys as a
// distinct derivation slot from signing keys, even though both are
// ed25519 here).
func (ks *Keystore) AddEncryptingKeyFromSeed(src, id, context string, index uint32) (ed25519.PublicKey, error) {
	return ks.addKeyFromSeed(src, id, KindEncrypt, context, index)
}

func (ks *Keystore) addKeyFromSeed(src, id string, kind SecretKind, context string, index uint32) (ed25519.PublicKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.secrets[id]; exists {
		return nil, cerr.New(cerr.ValidationFailed, fmt.Sprintf("keystore: id %q already exists", id))
	}
	parent, ok := ks.secrets[src]
	if !ok || parent.Kind != KindSeed {
		return nil, cerr.New(cerr.NotFound, fmt.Sprintf("keystore: seed %q not found", src))
	}
	edSeed, err := deriveChild(parent.Material, context, index)
	if err != nil {
		return nil, err
	}
	edSeed = edSeed[:ed25519.SeedSize]
	priv := ed25519.NewKeyFromSeed(edSeed)
	ks.secrets[id] = secret{Kind: kind, Material: edSeed}
	return priv.Public().(ed25519.PublicKey), nil
}

// AddKeybundleFromSeed derives both a signing and an encrypting key from
// src under prefix, named "<prefix>:sign_key" and "<prefix>:enc_key".
func (ks *Keystore) AddKeybundleFromSeed(src, prefix, context string, index uint32) (KeyBundle, error) {
	signID := prefix + ":sign_key"
	encID := prefix + ":enc_key"
	signPub, err := ks.AddSigningKeyFromSeed(src, signID, context, index)
	if err != nil {
		return KeyBundle{}, err
	}
	encPub, err := ks.AddEncryptingKeyFromSeed(src, encID, context, index+1)
	if err != nil {
		return KeyBundle{}, err
	}
	return KeyBundle{SigningID: signID, EncryptID: encID, SigningPub: signPub, EncryptPub: encPub}, nil
}

// GetKeybundle resolves the public keys for a previously derived bundle.
func (ks *Keystore) GetKeybundle(prefix string) (KeyBundle, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	signID := prefix + ":sign_key"
	encID := prefix + ":enc_key"
	signSecret, ok := ks.secrets[signID]
	if !ok || signSecret.Kind != KindSigning {
		return KeyBundle{}, cerr.New(cerr.NotFound, fmt.Sprintf("keystore: bundle %q not found", prefix))
	}
	encSecret, ok := ks.secrets[encID]
	if !ok || encSecret.Kind != KindEncrypt {
		return KeyBundle{}, cerr.New(cerr.NotFound, fmt.Sprintf("keystore: bundle %q not found", prefix))
	}
	signPriv := ed25519.NewKeyFromSeed(signSecret.Material)
	encPriv := ed25519.NewKeyFromSeed(encSecret.Material)
	return KeyBundle{
		SigningID:  signID,
		EncryptID:  encID,
		SigningPub: signPriv.Public().(ed25519.PublicKey),
		EncryptPub: encPriv.Public().(ed25519.PublicKey),
	}, nil
}

// Sign signs payload with the signing key stored under id, returning a
// base64 signature.
func (ks *Keystore) Sign(id string, payload []byte) (string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	s, ok := ks.secrets[id]
	if !ok || (s.Kind != KindSigning && s.Kind != KindEncrypt) {
		return "", cerr.New(cerr.NotFound, fmt.Sprintf("keystore: signing key %q not found", id))
	}
	priv := ed25519.NewKeyFromSeed(s.Material)
	sig := ed25519.Sign(priv, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKey returns the public half of a signing/encrypting secret.
func (ks *Keystore) PublicKey(id string) (ed25519.PublicKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	s, ok := ks.secrets[id]
	if !ok || (s.Kind != KindSigning && s.Kind != KindEncrypt) {
		return nil, cerr.New(cerr.NotFound, fmt.Sprintf("keystore: key %q not found", id))
	}
	priv := ed25519.NewKeyFromSeed(s.Material)
	return priv.Public().(ed25519.PublicKey), nil
}

// Verify checks a base64 signature against pubkey and payload. It is a
// free function per spec.md §4.8 — it does not touch any keystore state.
func Verify(pubkey ed25519.PublicKey, payload []byte, signature string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, cerr.Wrap(err, cerr.ValidationFailed, "keystore: decode signature")
	}
	return ed25519.Verify(pubkey, payload, sig), nil
}

// SignOneTime generates an ephemeral keypair, signs payload, and discards
// the private key — used for one-off, unlinkable signatures per §4.8.
func SignOneTime(payload []byte) (ed25519.PublicKey, string, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, "", cerr.Wrap(err, cerr.InternalFailure, "keystore: generate one-time key")
	}
	sig := ed25519.Sign(priv, payload)
	return pub, base64.StdEncoding.EncodeToString(sig), nil
}

// ChangePassphrase checks oldPass against the check blob, then re-derives
// the encryption key from newPass under a fresh salt and re-seals the
// check blob under it. Secrets are held decrypted in memory and Save seals
// each one under the current key, so a file produced by Save after this
// returns opens only with newPass. A file saved before the change is not
// rewritten here and still opens with oldPass.
func (ks *Keystore) ChangePassphrase(oldPass, newPass string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	candidate := &Keystore{salt: ks.salt}
	if err := candidate.deriveKey(oldPass); err != nil {
		return err
	}
	if _, err := candidate.open(ks.checkBlob); err != nil {
		return err
	}

	newSalt := make([]byte, 16)
	if _, err := crand.Read(newSalt); err != nil {
		return cerr.Wrap(err, cerr.InternalFailure, "keystore: generate salt")
	}
	next := &Keystore{salt: newSalt}
	if err := next.deriveKey(newPass); err != nil {
		return err
	}

	ks.salt = next.salt
	ks.key = next.key
	blob, err := ks.sealCheckBlob()
	if err != nil {
		return err
	}
	ks.checkBlob = blob
	return nil
}

func deriveChild(parentSeed []byte, context string, index uint32) ([]byte, error) {
	if len(parentSeed) < 16 {
		return nil, cerr.New(cerr.ValidationFailed, "keystore: parent seed too short")
	}
	I := hmacSHA512([]byte(masterHMACKey), parentSeed)
	key, chain := I[:32], I[32:]

	data := make([]byte, 1+len(context)+4)
	data[0] = 0x00
	copy(data[1:], context)
	binary.BigEndian.PutUint32(data[1+len(context):], index|hardenedOffset)

	child := hmacSHA512(chain, append(key, data...))
	if len(child) < 32 {
		return nil, errors.New("keystore: derivation produced short output")
	}
	return child[:32], nil
}

func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}
