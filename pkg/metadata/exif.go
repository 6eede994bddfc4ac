package metadata

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/disintegration/imaging"
	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	exifundefined "github.com/dsoprea/go-exif/v3/undefined"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	ifd0Path    = "IFD0"
	exifIfdPath = "IFD/Exif"
)

// EXIFEmbedder rewrites a JPEG with the memory's EXIF tags. Non-JPEG input
// (the image model sometimes answers with PNG) is re-encoded as JPEG first.
type EXIFEmbedder struct{}

var _ Embedder = EXIFEmbedder{}

func (EXIFEmbedder) Embed(ctx context.Context, path string, f Fields) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		// the exif libraries report some malformed input by panicking
		if r := recover(); r != nil {
			err = errors.Errorf("exif: %v", r)
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "exif: read image")
	}
	out, err := EmbedBytes(data, f)
	if err != nil {
		return err
	}
	st, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "exif: stat image")
	}
	if err := os.WriteFile(path, out, st.Mode().Perm()); err != nil {
		return errors.Wrap(err, "exif: write image")
	}
	log.Info().
		Str("image_path", path).
		Int("people_count", len(f.People)).
		Int("pet_count", len(f.Pets)).
		Msg("exif embedded")
	return nil
}

// EmbedBytes returns data as a JPEG carrying f's tags.
func EmbedBytes(data []byte, f Fields) ([]byte, error) {
	data, err := ensureJPEG(data)
	if err != nil {
		return nil, err
	}

	intfc, err := jpegstructure.NewJpegMediaParser().ParseBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "exif: parse jpeg")
	}
	sl, ok := intfc.(*jpegstructure.SegmentList)
	if !ok {
		return nil, errors.Errorf("exif: unexpected media context %T", intfc)
	}

	rootIb, err := sl.ConstructExifBuilder()
	if err != nil {
		return nil, errors.Wrap(err, "exif: builder")
	}
	ifd0, err := exif.GetOrCreateIbFromRootIb(rootIb, ifd0Path)
	if err != nil {
		return nil, errors.Wrap(err, "exif: ifd0")
	}
	exifIfd, err := exif.GetOrCreateIbFromRootIb(rootIb, exifIfdPath)
	if err != nil {
		return nil, errors.Wrap(err, "exif: exif ifd")
	}

	ts := exifcommon.ExifFullTimestampString(f.Date)
	set := func(ib *exif.IfdBuilder, name string, value any) error {
		if err := ib.SetStandardWithName(name, value); err != nil {
			return errors.Wrapf(err, "exif: set %s", name)
		}
		return nil
	}

	if !f.Date.IsZero() {
		if err := set(ifd0, "DateTime", ts); err != nil {
			return nil, err
		}
		if err := set(exifIfd, "DateTimeOriginal", ts); err != nil {
			return nil, err
		}
		if err := set(exifIfd, "DateTimeDigitized", ts); err != nil {
			return nil, err
		}
	}
	if d := f.TruncatedDescription(); d != "" {
		if err := set(ifd0, "ImageDescription", d); err != nil {
			return nil, err
		}
	}
	if c := f.UserComment(); c != "" {
		uc := exifundefined.Tag9286UserComment{
			EncodingType:  exifundefined.TagUndefinedType_9286_UserComment_Encoding_ASCII,
			EncodingBytes: []byte(c),
		}
		if err := set(exifIfd, "UserComment", uc); err != nil {
			return nil, err
		}
	}
	if err := set(ifd0, "Software", Software); err != nil {
		return nil, err
	}
	if a := f.Artist(); a != "" {
		if err := set(ifd0, "Artist", a); err != nil {
			return nil, err
		}
	}

	if err := sl.SetExif(rootIb); err != nil {
		return nil, errors.Wrap(err, "exif: set exif segment")
	}
	var buf bytes.Buffer
	if err := sl.Write(&buf); err != nil {
		return nil, errors.Wrap(err, "exif: write jpeg")
	}
	return buf.Bytes(), nil
}

func ensureJPEG(data []byte) ([]byte, error) {
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
		return data, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "exif: decode image")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, errors.Wrap(err, "exif: encode jpeg")
	}
	return buf.Bytes(), nil
}

// ReadTags returns the named EXIF tag values found in a JPEG, formatted as
// strings.
func ReadTags(data []byte) (map[string]string, error) {
	raw, err := exif.SearchAndExtractExif(data)
	if err != nil {
		return nil, errors.Wrap(err, "exif: find exif")
	}
	entries, _, err := exif.GetFlatExifData(raw, nil)
	if err != nil {
		return nil, errors.Wrap(err, "exif: flatten")
	}
	out := map[string]string{}
	for _, e := range entries {
		out[e.TagName] = fmt.Sprintf("%v", e.Formatted)
	}
	return out, nil
}
