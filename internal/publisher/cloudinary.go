package publisher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// CloudinaryRemote mirrors the tree into a Cloudinary account. The object
// path (minus extension) becomes the public ID, so delivery URLs stay
// deterministic and re-uploading the same object is a no-op thanks to
// Overwrite=false.
type CloudinaryRemote struct {
	cld *cloudinary.Cloudinary
}

func NewCloudinaryRemote(cloudinaryURL string) (*CloudinaryRemote, error) {
	cld, err := cloudinary.NewFromURL(cloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("cloudinary init: %w", err)
	}
	return &CloudinaryRemote{cld: cld}, nil
}

func (c *CloudinaryRemote) Name() string { return "cloudinary" }

func (c *CloudinaryRemote) Sync(ctx context.Context, localRoot string, batch []PublishedAsset) error {
	for _, asset := range batch {
		if err := c.upload(ctx, localRoot, asset); err != nil {
			return err
		}
	}
	return nil
}

func (c *CloudinaryRemote) upload(ctx context.Context, localRoot string, asset PublishedAsset) error {
	local := filepath.Join(localRoot, filepath.FromSlash(asset.ObjectPath))
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", asset.ObjectPath, err)
	}
	defer f.Close()

	publicID := strings.TrimSuffix(asset.ObjectPath, filepath.Ext(asset.ObjectPath))
	_, err = c.cld.Upload.Upload(ctx, f, uploader.UploadParams{
		PublicID:  publicID,
		Overwrite: api.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("cloudinary upload %s: %w", asset.ObjectPath, err)
	}
	return nil
}
