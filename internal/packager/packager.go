// Package packager assembles a sample's outputs into one deterministic
// archive: identical outputs always produce byte-identical archives.
package packager

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"

	"github.com/vk/rnaflow/internal/blob"
	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/model"
)

// epoch is the modification time of every archive entry.
var epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Input is what the package stage hands the packager.
type Input struct {
	SampleID string
	// Toggles are the sample's effective toggles.
	Toggles model.Toggles
	// Outputs holds the outputs of every producer that succeeded. Producers
	// that failed or were skipped are absent.
	Outputs map[model.StageKind][]model.Output
}

// Packager writes archives to a local directory or an S3 prefix.
type Packager struct {
	format  model.ArchiveFormat
	policy  model.CategoryPolicy
	local   string
	bucket  *blob.Bucket
	staging string
}

// Options selects where and how archives are written.
type Options struct {
	// OutputDir is a local directory or an s3:// URI.
	OutputDir string
	Format    model.ArchiveFormat
	Policy    model.CategoryPolicy
	// StagingDir holds archives before upload when OutputDir is remote.
	StagingDir string
	// Bucket overrides the S3 client for remote output dirs.
	Bucket *blob.Bucket
}

// New validates the options and prepares the output location.
func New(opts Options) (*Packager, error) {
	p := &Packager{format: opts.Format, policy: opts.Policy, staging: opts.StagingDir}
	switch p.format {
	case model.ArchiveTarGz, model.ArchiveTarZst:
	default:
		return nil, fmt.Errorf("unsupported archive format %q", p.format)
	}
	if p.policy == "" {
		p.policy = model.PolicyOmit
	}

	if strings.HasPrefix(opts.OutputDir, "s3://") {
		p.bucket = opts.Bucket
		if p.bucket == nil {
			b, err := blob.Open(opts.OutputDir)
			if err != nil {
				return nil, err
			}
			p.bucket = b
		}
		if p.staging == "" {
			p.staging = os.TempDir()
		}
		return p, os.MkdirAll(p.staging, 0o755)
	}
	p.local = opts.OutputDir
	return p, os.MkdirAll(p.local, 0o755)
}

// ArchiveName returns the file name of a sample's archive.
func (p *Packager) ArchiveName(sampleID string) string {
	return sampleID + "." + p.format.Extension()
}

// Package builds the archive and returns its final location, a local path or
// an s3:// URI. Every failure is an ErrPackaging.
func (p *Packager) Package(ctx context.Context, in Input) (location string, err error) {
	logger := ctxlog.FromContext(ctx).With("sample", in.SampleID)

	entries, err := p.collect(in)
	if err != nil {
		return "", flowerr.ErrPackaging.Wrap(err).GenWithStackByArgs(in.SampleID)
	}

	dir := p.local
	if p.bucket != nil {
		dir = p.staging
	}
	tmp, err := os.CreateTemp(dir, "."+in.SampleID+"-*.partial")
	if err != nil {
		return "", flowerr.ErrPackaging.Wrap(err).GenWithStackByArgs(in.SampleID)
	}
	defer func() {
		// After a successful rename the temp name no longer exists.
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, rmErr)
		}
	}()

	if err := p.write(tmp, entries); err != nil {
		return "", flowerr.ErrPackaging.Wrap(multierr.Append(err, tmp.Close())).GenWithStackByArgs(in.SampleID)
	}
	if err := tmp.Sync(); err != nil {
		return "", flowerr.ErrPackaging.Wrap(multierr.Append(err, tmp.Close())).GenWithStackByArgs(in.SampleID)
	}
	size, _ := tmp.Seek(0, io.SeekCurrent)
	if err := tmp.Close(); err != nil {
		return "", flowerr.ErrPackaging.Wrap(err).GenWithStackByArgs(in.SampleID)
	}

	name := p.ArchiveName(in.SampleID)
	if p.bucket != nil {
		f, err := os.Open(tmp.Name())
		if err != nil {
			return "", flowerr.ErrPackaging.Wrap(err).GenWithStackByArgs(in.SampleID)
		}
		uri, err := p.bucket.Upload(ctx, name, f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return "", flowerr.ErrPackaging.Wrap(err).GenWithStackByArgs(in.SampleID)
		}
		location = uri
	} else {
		location = filepath.Join(p.local, name)
		if err := os.Rename(tmp.Name(), location); err != nil {
			return "", flowerr.ErrPackaging.Wrap(err).GenWithStackByArgs(in.SampleID)
		}
	}
	logger.Info("Archive written.", "location", location, "entries", len(entries), "size", humanize.IBytes(uint64(size)))
	return location, nil
}

// entry is one archive member. src is empty for synthesized directories.
type entry struct {
	name string
	src  string
	info fs.FileInfo
	link string
}

func (e entry) isDir() bool {
	return e.src == "" || e.info.IsDir()
}

// collect walks every placed output and returns the archive members sorted by
// name, including every parent directory exactly once.
func (p *Packager) collect(in Input) ([]entry, error) {
	members := make(map[string]entry)
	addDirs := func(name string) {
		for d := path.Dir(name); d != "." && d != "/"; d = path.Dir(d) {
			if _, ok := members[d]; !ok {
				members[d] = entry{name: d}
			}
		}
	}
	add := func(e entry) error {
		if prev, ok := members[e.name]; ok && !(prev.isDir() && e.isDir()) {
			return fmt.Errorf("duplicate archive entry %s (from %s)", e.name, e.src)
		}
		members[e.name] = e
		addDirs(e.name)
		return nil
	}

	members[in.SampleID] = entry{name: in.SampleID}
	for _, kind := range model.StageKinds {
		for _, pl := range place(in.SampleID, kind, in.Outputs[kind], in.Toggles) {
			if err := walk(pl, add); err != nil {
				return nil, err
			}
		}
	}
	if p.policy == model.PolicyEmpty {
		for _, d := range disabledDirs(in.SampleID, in.Toggles) {
			if err := add(entry{name: d}); err != nil {
				return nil, err
			}
		}
	}

	out := make([]entry, 0, len(members))
	for _, e := range members {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func walk(pl placement, add func(entry) error) error {
	root := filepath.Clean(pl.src)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(root), p)
		if err != nil {
			return err
		}
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		e := entry{name: path.Join(pl.dst, filepath.ToSlash(rel)), src: p, info: info}
		if info.Mode()&fs.ModeSymlink != 0 {
			if e.link, err = os.Readlink(p); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return fmt.Errorf("unsupported file type %s at %s", info.Mode().Type(), p)
		}
		return add(e)
	})
}

func (p *Packager) write(w io.Writer, entries []entry) error {
	var compressor io.WriteCloser
	switch p.format {
	case model.ArchiveTarZst:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return err
		}
		compressor = zw
	default:
		gz := gzip.NewWriter(w)
		gz.ModTime = epoch
		compressor = gz
	}

	tw := tar.NewWriter(compressor)
	for _, e := range entries {
		if err := writeEntry(tw, e); err != nil {
			return multierr.Combine(err, tw.Close(), compressor.Close())
		}
	}
	return multierr.Combine(tw.Close(), compressor.Close())
}

func writeEntry(tw *tar.Writer, e entry) error {
	hdr := &tar.Header{
		Name:    e.name,
		ModTime: epoch,
		Uname:   "root",
		Gname:   "root",
		Format:  tar.FormatPAX,
	}
	switch {
	case e.isDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
		hdr.Mode = 0o755
	case e.link != "":
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.link
		hdr.Mode = 0o777
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.info.Size()
		hdr.Mode = 0o644
		if e.info.Mode()&0o111 != 0 {
			hdr.Mode = 0o755
		}
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}
	f, err := os.Open(e.src)
	if err != nil {
		return err
	}
	n, err := io.Copy(tw, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n != hdr.Size {
		err = fmt.Errorf("%s changed size while archiving", e.src)
	}
	return err
}
