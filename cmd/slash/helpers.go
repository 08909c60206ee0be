package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dzdidi/slashtags/internal/fsstore"
	"github.com/dzdidi/slashtags/slashtags"
	"github.com/spf13/cobra"
)

const identityFileVersion = 1

type identityFile struct {
	Version   int       `json:"version"`
	SecretKey string    `json:"secret_key"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

func stateDirFromCmd(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("dir")
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = defaultSlashDir()
	}
	return expandHomePath(dir)
}

// loadOrCreateKeyPair reads identity.json under dir, generating and
// persisting a fresh pair on first use.
func loadOrCreateKeyPair(dir string) (slashtags.KeyPair, bool, error) {
	if err := fsstore.EnsureDir(dir); err != nil {
		return slashtags.KeyPair{}, false, err
	}
	path := filepath.Join(dir, "identity.json")

	var record identityFile
	found, err := fsstore.ReadJSON(path, &record)
	if err != nil {
		return slashtags.KeyPair{}, false, err
	}
	if found {
		secret, err := base64.RawURLEncoding.DecodeString(record.SecretKey)
		if err != nil {
			return slashtags.KeyPair{}, false, fmt.Errorf("decode stored secret key: %w", err)
		}
		public, err := base64.RawURLEncoding.DecodeString(record.PublicKey)
		if err != nil {
			return slashtags.KeyPair{}, false, fmt.Errorf("decode stored public key: %w", err)
		}
		return slashtags.KeyPair{PublicKey: public, SecretKey: secret}, false, nil
	}

	kp, err := slashtags.GenerateKeyPair()
	if err != nil {
		return slashtags.KeyPair{}, false, err
	}
	record = identityFile{
		Version:   identityFileVersion,
		SecretKey: base64.RawURLEncoding.EncodeToString(kp.SecretKey),
		PublicKey: base64.RawURLEncoding.EncodeToString(kp.PublicKey),
		CreatedAt: time.Now().UTC(),
	}
	if err := fsstore.WriteJSONAtomic(path, record); err != nil {
		return slashtags.KeyPair{}, false, err
	}
	return kp, true, nil
}

func slashtagFromCmd(cmd *cobra.Command, listenAddrs []string) (*slashtags.Slashtag, error) {
	dir := stateDirFromCmd(cmd)
	kp, _, err := loadOrCreateKeyPair(dir)
	if err != nil {
		return nil, err
	}
	logger, err := loggerFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	return slashtags.New(slashtags.Config{
		KeyPair:     &kp,
		StorageDir:  dir,
		ListenAddrs: normalizeAddressList(listenAddrs),
		Logger:      logger,
	})
}

// localSlashtagFromCmd builds a node for commands that only touch local
// state. Discovery stays off and the session binds loopback only.
func localSlashtagFromCmd(cmd *cobra.Command) (*slashtags.Slashtag, error) {
	dir := stateDirFromCmd(cmd)
	kp, _, err := loadOrCreateKeyPair(dir)
	if err != nil {
		return nil, err
	}
	logger, err := loggerFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	return slashtags.New(slashtags.Config{
		KeyPair:     &kp,
		StorageDir:  dir,
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		DisableDHT:  true,
		DisableMDNS: true,
		Logger:      logger,
	})
}

// resolveDriveOptions maps the shared --name/--key flags onto a drive
// selection. --key wins when both are set.
func resolveDriveOptions(name, keyHex string) (slashtags.DriveOptions, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return slashtags.DriveOptions{}, fmt.Errorf("invalid --key %q: %w", keyHex, err)
		}
		return slashtags.DriveOptions{Key: key}, nil
	}
	return slashtags.DriveOptions{Name: strings.TrimSpace(name)}, nil
}

func defaultSlashDir() string {
	if v := strings.TrimSpace(os.Getenv("SLASH_DIR")); v != "" {
		return expandHomePath(v)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".slashtags"
	}
	return filepath.Join(home, ".slashtags")
}

func expandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return path
}

func normalizeAddressList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := map[string]bool{}
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}

func readInputFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
