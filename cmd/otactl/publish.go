package main

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/ugorji/go/codec"

	"github.com/imatrix-iot/iMatrix-sub000/checksum"
	"github.com/imatrix-iot/iMatrix-sub000/ota"
)

var (
	publishDirFlag      string
	publishTypeFlag     string
	publishVersionFlag  string
	publishBaseURLFlag  string
	publishChecksumFlag string
)

var metadataHandle = codec.JsonHandle{Indent: 2}

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <image>",
		Short: "Add an image and its metadata document to a serve directory",
		Long: `Copy an image under <dir>/images/<type>/ and write the metadata document
the device fetches during version discovery, e.g.
<dir>/firmware/master/latest.json for --type master.`,
		Args: cobra.ExactArgs(1),
		RunE: runPublish,
	}
	cmd.Flags().StringVarP(&publishDirFlag, "dir", "d", ".", "Serve directory")
	cmd.Flags().StringVarP(&publishTypeFlag, "type", "t", "master", "Image type")
	cmd.Flags().StringVar(&publishVersionFlag, "version", "", "Image version (required)")
	cmd.Flags().StringVar(&publishBaseURLFlag, "base-url", "", "URL the serve directory is reachable at (required)")
	cmd.Flags().StringVar(&publishChecksumFlag, "checksum", "sha256", "Digest: crc32, sha256 or sha512")
	cmd.MarkFlagRequired("version")
	cmd.MarkFlagRequired("base-url")
	return cmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	t, err := ota.ParseImageType(publishTypeFlag)
	if err != nil {
		return err
	}
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	meta, err := publish(publishDirFlag, publishBaseURLFlag, t, filepath.Base(args[0]), publishVersionFlag, publishChecksumFlag, image)
	if err != nil {
		return err
	}
	fmt.Printf("Published %s %s\n", t, meta.Version)
	fmt.Printf("  image:    %s\n", meta.ImageURL)
	fmt.Printf("  checksum: %s\n", meta.Checksum)
	fmt.Printf("  metadata: %s\n", t.Path())
	return nil
}

// publish writes image and its metadata document into dir.
func publish(dir, baseURL string, t ota.ImageType, name, ver, kind string, image []byte) (ota.Metadata, error) {
	sum, err := digestHex(kind, image)
	if err != nil {
		return ota.Metadata{}, err
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return ota.Metadata{}, fmt.Errorf("bad base url %q", baseURL)
	}
	if base.Scheme != "http" {
		return ota.Metadata{}, fmt.Errorf("base url %q: devices fetch over plain http", baseURL)
	}

	rel := path.Join("images", t.String(), name)
	if err := writeFile(filepath.Join(dir, filepath.FromSlash(rel)), image); err != nil {
		return ota.Metadata{}, err
	}
	meta := ota.Metadata{
		ImageURL: base.JoinPath(rel).String(),
		Version:  ver,
		Checksum: sum,
	}
	var doc []byte
	if err := codec.NewEncoderBytes(&doc, &metadataHandle).Encode(meta); err != nil {
		return ota.Metadata{}, fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeFile(filepath.Join(dir, filepath.FromSlash(t.Path())), doc); err != nil {
		return ota.Metadata{}, err
	}
	return meta, nil
}

// digestHex returns the hex digest the device accepts for kind.
func digestHex(kind string, data []byte) (string, error) {
	switch kind {
	case "crc32":
		return fmt.Sprintf("%08x", checksum.Checksum(data)), nil
	case "sha256":
		return fmt.Sprintf("%x", sha256.Sum256(data)), nil
	case "sha512":
		return fmt.Sprintf("%x", sha512.Sum512(data)), nil
	}
	return "", fmt.Errorf("unknown checksum kind %q", kind)
}

func writeFile(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	return os.WriteFile(name, data, 0o644)
}
