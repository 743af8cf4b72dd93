package sandbox

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/isdmx/polyrun/languages"
)

// Pack builds an uncompressed tar bundle holding the source under the
// descriptor's mandated filename plus its scaffold files. Entry names come
// only from the descriptor.
func Pack(desc *languages.Descriptor, source string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	now := time.Now()
	files := append([]languages.File{{Name: desc.Filename, Content: source}}, desc.Scaffold...)
	for _, file := range files {
		mode := file.Mode
		if mode == 0 {
			mode = 0o644
		}

		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     file.Name,
			Mode:     mode,
			Size:     int64(len(file.Content)),
			ModTime:  now,
		}

		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}

		if _, err := io.WriteString(tw, file.Content); err != nil {
			return nil, fmt.Errorf("write tar contents: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Unpack extracts a bundle produced by Pack into destDir
func Unpack(fs FileSystem, archive []byte, destDir string) error {
	tarReader := tar.NewReader(bytes.NewReader(archive))

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		// Prevent absolute paths
		if filepath.IsAbs(header.Name) {
			return fmt.Errorf("absolute path not allowed in tar: %s", header.Name)
		}

		cleanName := filepath.Clean(header.Name)
		if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
			return fmt.Errorf("unsafe relative path in tar: %s", header.Name)
		}

		filePath := filepath.Join(destDir, cleanName)
		if !strings.HasPrefix(filePath, filepath.Clean(destDir)+string(filepath.Separator)) {
			return fmt.Errorf("invalid file path in tar: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(filePath, DirPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := fs.MkdirAll(filepath.Dir(filePath), DirPermission); err != nil {
				return fmt.Errorf("failed to create parent directories: %w", err)
			}

			fileContent := make([]byte, header.Size)
			if _, err := io.ReadFull(tarReader, fileContent); err != nil {
				return fmt.Errorf("failed to read file content: %w", err)
			}

			perm := FilePermission
			if header.Mode&0o111 != 0 {
				perm = ExecPermission
			}
			if err := fs.WriteFile(filePath, fileContent, perm); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
		default:
			return fmt.Errorf("unsupported file type in tar: %c", header.Typeflag)
		}
	}

	return nil
}
