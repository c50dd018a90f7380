// Package secure stores the wallet's BIP-39 seed, mnemonic, and per-mint
// access tokens on disk sealed under either a random master key (no
// passphrase) or a passphrase-derived key (PBKDF2-HMAC-SHA256), instead of
// the plaintext bbolt put the rest of the wallet's persistence layer
// otherwise uses.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	mnemonicFile  = "mnemonic.enc"
	seedFile      = "seed.enc"
	masterKeyFile = "master.key"

	saltLen     = 16
	pbkdf2Iter  = 600_000
	keyLen      = chacha20poly1305.KeySize
	envVersion  = 0x01
	modeKeyFile = 0x00
	modePass    = 0x01
)

var (
	ErrWrongPassphrase    = errors.New("secure: wrong passphrase or corrupted file")
	ErrPassphraseRequired = errors.New("secure: file was sealed with a passphrase, none given")
	ErrIncompleteRotation = errors.New("secure: directory contains .tmp files from an interrupted write or rotation; resolve manually before reopening")
)

// Store seals and unseals the wallet's mnemonic, seed, and per-mint access
// tokens under a master key, per spec §4.8. With no passphrase, the master
// key is 32 random bytes persisted in master.key. With a passphrase, the
// master key is derived per-file via PBKDF2-HMAC-SHA256 from a salt and
// round count stored alongside that file's ciphertext, and master.key is
// never written.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

type Seed struct {
	Mnemonic string `json:"mnemonic"`
	Seed     []byte `json:"seed"`
}

// CheckIntegrity rejects opening the store if a previous write or rotation
// was interrupted mid-flight, per spec §4.8's "simpler" crash-recovery
// option: require rotation to complete before further use.
func (s *Store) CheckIntegrity() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.tmp"))
	if err != nil {
		return fmt.Errorf("secure: checking for stale tmp files: %v", err)
	}
	if len(matches) > 0 {
		return ErrIncompleteRotation
	}
	return nil
}

func (s *Store) ensureDir() error {
	return os.MkdirAll(s.dir, 0700)
}

// Save seals mnemonic and seed into their own files (mnemonic.enc, seed.enc)
// under passphrase (empty string selects the no-passphrase master-key mode).
func (s *Store) Save(passphrase string, seed Seed) error {
	if err := s.ensureDir(); err != nil {
		return fmt.Errorf("secure: creating store dir: %v", err)
	}
	if err := s.sealFile(mnemonicFile, passphrase, []byte(seed.Mnemonic)); err != nil {
		return fmt.Errorf("secure: sealing mnemonic: %v", err)
	}
	if err := s.sealFile(seedFile, passphrase, seed.Seed); err != nil {
		return fmt.Errorf("secure: sealing seed: %v", err)
	}
	return nil
}

// Load unseals mnemonic.enc and seed.enc under passphrase.
func (s *Store) Load(passphrase string) (Seed, error) {
	var seed Seed

	mnemonic, err := s.openFile(mnemonicFile, passphrase)
	if err != nil {
		return seed, err
	}
	rawSeed, err := s.openFile(seedFile, passphrase)
	if err != nil {
		return seed, err
	}

	seed.Mnemonic = string(mnemonic)
	seed.Seed = rawSeed
	return seed, nil
}

// Exists reports whether a sealed mnemonic/seed pair has already been
// written.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, seedFile))
	return err == nil
}

// accessTokenHash is sha256(mintURL)[:16] lowercased hex, per spec §4.8.
func accessTokenHash(mintURL string) string {
	sum := sha256.Sum256([]byte(mintURL))
	return hex.EncodeToString(sum[:])[:16]
}

// SaveAccessToken seals a single per-mint access token (NUT-22 style
// single-use auth token) into accesstoken-<hash>.enc.
func (s *Store) SaveAccessToken(mintURL, passphrase, token string) error {
	if err := s.ensureDir(); err != nil {
		return fmt.Errorf("secure: creating store dir: %v", err)
	}
	name := "accesstoken-" + accessTokenHash(mintURL) + ".enc"
	return s.sealFile(name, passphrase, []byte(token))
}

// LoadAccessToken unseals the per-mint single access token.
func (s *Store) LoadAccessToken(mintURL, passphrase string) (string, error) {
	name := "accesstoken-" + accessTokenHash(mintURL) + ".enc"
	b, err := s.openFile(name, passphrase)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SaveAccessTokenList seals a per-mint list of blinded auth tokens into
// accesstokenlist-<hash>.enc, newline-separated.
func (s *Store) SaveAccessTokenList(mintURL, passphrase string, tokens []string) error {
	if err := s.ensureDir(); err != nil {
		return fmt.Errorf("secure: creating store dir: %v", err)
	}
	name := "accesstokenlist-" + accessTokenHash(mintURL) + ".enc"
	return s.sealFile(name, passphrase, []byte(joinLines(tokens)))
}

// LoadAccessTokenList unseals the per-mint list of blinded auth tokens.
func (s *Store) LoadAccessTokenList(mintURL, passphrase string) ([]string, error) {
	name := "accesstokenlist-" + accessTokenHash(mintURL) + ".enc"
	b, err := s.openFile(name, passphrase)
	if err != nil {
		return nil, err
	}
	return splitLines(string(b)), nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// sealFile writes plaintext into dir/name as:
//
//	mode(1) ‖ [salt(16) ‖ rounds_LE32(4)]? ‖ version(1) ‖ nonce(12) ‖ AEAD-ciphertext
//
// where the bracketed salt/rounds header is present only in passphrase
// mode (persisted "next to the ciphertext" per spec §4.8, rather than in a
// shared master.key, since no master.key is written in that mode). The
// write is atomic: staged to name+".tmp", fsync'd, then renamed over dest.
func (s *Store) sealFile(name, passphrase string, plaintext []byte) error {
	key, header, err := s.newKeyMaterial(passphrase)
	if err != nil {
		return err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("secure: building cipher: %v", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("secure: generating nonce: %v", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(name))

	out := append(header, envVersion)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	return s.atomicWrite(name, out)
}

// openFile reverses sealFile.
func (s *Store) openFile(name, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	if len(raw) < 1 {
		return nil, fmt.Errorf("secure: %s: %w", name, ErrWrongPassphrase)
	}

	mode := raw[0]
	rest := raw[1:]

	key, rest, err := s.existingKeyMaterial(mode, passphrase, rest)
	if err != nil {
		return nil, err
	}

	if len(rest) < 1+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("secure: %s: %w", name, ErrWrongPassphrase)
	}
	// rest[0] is the envelope version byte; only one version exists so far.
	nonce := rest[1 : 1+chacha20poly1305.NonceSize]
	ciphertext := rest[1+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("secure: building cipher: %v", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

// newKeyMaterial returns the AEAD key to seal a fresh file with, plus the
// header bytes (mode + optional salt/rounds) to prepend to it.
func (s *Store) newKeyMaterial(passphrase string) (key []byte, header []byte, err error) {
	if passphrase == "" {
		key, err = s.loadOrCreateMasterKey()
		if err != nil {
			return nil, nil, err
		}
		return key, []byte{modeKeyFile}, nil
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("secure: generating salt: %v", err)
	}
	rounds := uint32(pbkdf2Iter)
	key = deriveKey(passphrase, salt, rounds)

	header = make([]byte, 0, 1+saltLen+4)
	header = append(header, modePass)
	header = append(header, salt...)
	roundsBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(roundsBytes, rounds)
	header = append(header, roundsBytes...)
	return key, header, nil
}

// existingKeyMaterial derives the key to open an already-sealed file given
// its mode byte, consuming the salt/rounds header when present. Returns the
// remaining bytes (version ‖ nonce ‖ ciphertext).
func (s *Store) existingKeyMaterial(mode byte, passphrase string, rest []byte) (key []byte, remaining []byte, err error) {
	switch mode {
	case modeKeyFile:
		key, err = s.loadOrCreateMasterKey()
		if err != nil {
			return nil, nil, err
		}
		return key, rest, nil
	case modePass:
		if passphrase == "" {
			return nil, nil, ErrPassphraseRequired
		}
		if len(rest) < saltLen+4 {
			return nil, nil, ErrWrongPassphrase
		}
		salt := rest[:saltLen]
		rounds := binary.LittleEndian.Uint32(rest[saltLen : saltLen+4])
		key = deriveKey(passphrase, salt, rounds)
		return key, rest[saltLen+4:], nil
	default:
		return nil, nil, fmt.Errorf("secure: unknown envelope mode %d", mode)
	}
}

func deriveKey(passphrase string, salt []byte, rounds uint32) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, int(rounds), keyLen, sha256.New)
}

// loadOrCreateMasterKey reads master.key, generating and persisting a fresh
// random 32-byte key on first use (no-passphrase mode only).
func (s *Store) loadOrCreateMasterKey() ([]byte, error) {
	path := filepath.Join(s.dir, masterKeyFile)
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keyLen {
			return nil, fmt.Errorf("secure: master.key has unexpected length %d", len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secure: reading master.key: %v", err)
	}

	key = make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secure: generating master key: %v", err)
	}
	if err := s.atomicWrite(masterKeyFile, key); err != nil {
		return nil, fmt.Errorf("secure: writing master.key: %v", err)
	}
	return key, nil
}

// atomicWrite stages data to name+".tmp" in the store directory, fsyncs it,
// then renames it over the destination, per spec §4.8's atomic-write
// contract. File mode is always 0600.
func (s *Store) atomicWrite(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("secure: opening tmp file: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("secure: writing tmp file: %v", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("secure: fsyncing tmp file: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("secure: closing tmp file: %v", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("secure: renaming into place: %v", err)
	}
	return nil
}

// RotateMasterKey re-encrypts every sealed file under the store with a
// fresh master key (no-passphrase mode) or a freshly-salted key derived
// from newPassphrase (passphrase mode), per spec §4.8. Every file is
// decrypted under its current key and staged to name+".rotate.tmp" under the new
// key before any rename happens; only once every file has been staged are
// they renamed into place, and master.key (if applicable) is updated last.
// A crash mid-rotation leaves .tmp files behind, which CheckIntegrity
// refuses to open past — the simpler of the two recovery strategies spec
// §4.8 allows.
func (s *Store) RotateMasterKey(oldPassphrase, newPassphrase string) error {
	entries, err := filepath.Glob(filepath.Join(s.dir, "*.enc"))
	if err != nil {
		return fmt.Errorf("secure: listing sealed files: %v", err)
	}

	type staged struct {
		tmpPath, finalPath string
	}
	var pending []staged

	// In no-passphrase mode the new master key must be generated once, up
	// front: newKeyMaterial("") would otherwise call loadOrCreateMasterKey
	// and hand back the *old* master.key (it hasn't been replaced yet),
	// silently turning "rotation" into a no-op re-encryption under the same
	// key. In passphrase mode each file legitimately gets its own fresh
	// salt, so newKeyMaterial is called per-file as usual.
	var freshKeyfileKey []byte
	if newPassphrase == "" {
		freshKeyfileKey = make([]byte, keyLen)
		if _, err := rand.Read(freshKeyfileKey); err != nil {
			return fmt.Errorf("secure: generating new master key: %v", err)
		}
	}

	for _, entry := range entries {
		name := filepath.Base(entry)
		plaintext, err := s.openFile(name, oldPassphrase)
		if err != nil {
			return fmt.Errorf("secure: rotating %s: decrypting with old key: %v", name, err)
		}

		var key, header []byte
		if newPassphrase == "" {
			key, header = freshKeyfileKey, []byte{modeKeyFile}
		} else {
			key, header, err = s.newKeyMaterial(newPassphrase)
			if err != nil {
				return fmt.Errorf("secure: rotating %s: %v", name, err)
			}
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return fmt.Errorf("secure: building cipher: %v", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("secure: generating nonce: %v", err)
		}
		ciphertext := aead.Seal(nil, nonce, plaintext, []byte(name))

		out := append(header, envVersion)
		out = append(out, nonce...)
		out = append(out, ciphertext...)

		tmpPath := entry + ".rotate.tmp"
		if err := os.WriteFile(tmpPath, out, 0600); err != nil {
			return fmt.Errorf("secure: staging rotated %s: %v", name, err)
		}
		pending = append(pending, staged{tmpPath: tmpPath, finalPath: entry})
	}

	for _, p := range pending {
		if err := os.Rename(p.tmpPath, p.finalPath); err != nil {
			return fmt.Errorf("secure: committing rotated %s: %v", filepath.Base(p.finalPath), err)
		}
	}

	if newPassphrase == "" {
		if err := s.atomicWrite(masterKeyFile, freshKeyfileKey); err != nil {
			return fmt.Errorf("secure: writing rotated master.key: %v", err)
		}
	} else if oldPassphrase == "" {
		// switching from key-file mode to passphrase mode: the old
		// master.key is no longer the thing protecting anything.
		os.Remove(filepath.Join(s.dir, masterKeyFile))
	}

	return nil
}
