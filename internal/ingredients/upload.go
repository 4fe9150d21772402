package ingredients

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// PublicPrefix is the URL path uploaded images are served under.
	PublicPrefix = "/uploads/"

	maxImageWidth  = 1024
	maxImageHeight = 1024
	jpegQuality    = 85
)

var (
	ErrImageTooLarge = errors.New("Image exceeds the maximum upload size")
	ErrInvalidImage  = errors.New("Uploaded file is not a valid image")
)

// ImageStore keeps uploaded ingredient images on local disk.
type ImageStore struct {
	dir      string
	maxBytes int64
	logger   *logrus.Logger
}

func NewImageStore(dir string, maxBytes int64, logger *logrus.Logger) *ImageStore {
	return &ImageStore{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

func (s *ImageStore) Dir() string {
	return s.dir
}

func (s *ImageStore) MaxBytes() int64 {
	return s.maxBytes
}

// Save decodes an uploaded image, shrinks it to fit 1024x1024, stores it as
// JPEG and returns its public path.
func (s *ImageStore) Save(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", errors.Wrap(err, "failed to read upload")
	}
	if int64(len(data)) > s.maxBytes {
		return "", ErrImageTooLarge
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", errors.Wrap(ErrInvalidImage, err.Error())
	}
	img = imaging.Fit(img, maxImageWidth, maxImageHeight, imaging.Lanczos)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create upload dir %s", s.dir)
	}

	name := uuid.New().String() + ".jpg"
	if err := imaging.Save(img, filepath.Join(s.dir, name), imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", errors.Wrap(err, "failed to store image")
	}

	bounds := img.Bounds()
	s.logger.WithFields(logrus.Fields{
		"file":   name,
		"width":  bounds.Dx(),
		"height": bounds.Dy(),
	}).Info("Ingredient image stored")
	return PublicPrefix + name, nil
}

// Remove deletes a previously uploaded image. Paths that were not produced
// by Save are ignored.
func (s *ImageStore) Remove(publicPath string) {
	if !strings.HasPrefix(publicPath, PublicPrefix) {
		return
	}
	name := filepath.Base(strings.TrimPrefix(publicPath, PublicPrefix))
	if name == "." || name == "/" {
		return
	}

	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).WithField("file", name).Warn("Failed to remove ingredient image")
	}
}
