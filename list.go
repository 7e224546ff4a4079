package pytailor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pytailor/pytailor/internal/carchive"
	"github.com/pytailor/pytailor/internal/pyz"
)

// List writes the bundle's entry names and sizes to w, recursing into
// nested module archives. It never mutates the bundle; nested archives
// are extracted into a temporary directory that is removed before List
// returns.
func List(exePath string, w io.Writer, opts ...Option) error {
	cfg := newConfig(opts)

	ar, err := carchive.Open(exePath)
	if err != nil {
		return err
	}
	defer ar.Close()
	cfg.log().Info("listing bundle", "exe", exePath, "entries", len(ar.Entries))

	var nested []carchive.Entry
	for _, en := range ar.Entries {
		if en.Type.IsArchive() && strings.HasSuffix(en.Name, ".pyz") {
			nested = append(nested, en)
			continue
		}
		fmt.Fprintf(w, "%s (%d)\n", en.Name, en.UncompressedLength)
	}
	if len(nested) == 0 {
		return nil
	}

	tmp, err := os.MkdirTemp("", "pytailor-list-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	var cipher *pyz.Cipher
	if cfg.key != nil {
		cipher, err = pyz.NewCipher(cfg.key)
		if err != nil {
			return err
		}
	}

	for _, en := range nested {
		data, err := ar.ReadData(en)
		if err != nil {
			return err
		}
		path := filepath.Join(tmp, filepath.Base(en.Name))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}

		popts := []pyz.Option{pyz.WithLogger(cfg.logger)}
		if cipher != nil {
			popts = append(popts, pyz.WithCipher(cipher))
		}
		pa, err := pyz.Open(path, popts...)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s:\n", en.Name)
		for _, ie := range pa.Entries {
			fmt.Fprintf(w, "    %s (%d)\n", ie.Name, ie.Length)
		}
		pa.Close()
	}
	return nil
}
