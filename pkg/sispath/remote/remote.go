// Package remote implements an S3-backed sispath.Handle so a job's
// declared output can live in object storage instead of the local work
// directory, for cloud-resident pipelines whose engine (pkg/engine/awsbatch)
// runs shards with no shared POSIX filesystem. It is grounded on
// gonimbus's pkg/provider/s3, adapted from a general-purpose object-store
// provider abstraction down to the one operation sispath.Handle needs:
// "does this key exist yet".
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rwth-i6/sisyphus/pkg/sishash"
	"github.com/rwth-i6/sisyphus/pkg/sispath"
)

// ObjectStat is the minimal S3 surface Path needs: existence-by-key. A
// *s3.Client does not satisfy it directly (its HeadObject takes an input
// struct and options), so NewObjectStat below adapts one.
type ObjectStat interface {
	HeadObject(ctx context.Context, key string) error
}

// clientStat adapts an *s3.Client to ObjectStat.
type clientStat struct {
	client *s3.Client
	bucket string
}

func (c clientStat) HeadObject(ctx context.Context, key string) error {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return errObjectNotFound
		}
		return err
	}
	return nil
}

var errObjectNotFound = errors.New("remote: object not found")

// NewObjectStat adapts an *s3.Client bound to bucket into an ObjectStat.
func NewObjectStat(client *s3.Client, bucket string) ObjectStat {
	return clientStat{client: client, bucket: bucket}
}

// Path is a sispath.Handle backed by an object in S3 or an S3-compatible
// store, identified by an s3://bucket/key location. Unlike sispath.Path,
// which resolves Available from the creator's finished marker (or, with no
// creator, a local stat), a remote Path's Available always performs a live
// HeadObject call, since there is no local filesystem to race against.
type Path struct {
	// Creator is the job that produces this object, or nil for an
	// externally supplied object (e.g. a corpus already staged in S3).
	Creator sispath.Creator

	Bucket string
	Key    string

	// HashOverwrite, when non-empty, replaces the (creator, key) component
	// of the fingerprint, mirroring sispath.Path.HashOverwrite.
	HashOverwrite string

	stat ObjectStat
}

// New constructs a remote Path for the given bucket/key, checked against
// stat for existence. Pass sispath.Creator(nil) for an object with no
// producing job.
func New(stat ObjectStat, creator sispath.Creator, bucket, key string) *Path {
	return &Path{Creator: creator, Bucket: bucket, Key: key, stat: stat}
}

// Location renders the object's canonical s3:// URI.
func (p *Path) Location() string {
	return fmt.Sprintf("s3://%s/%s", p.Bucket, strings.TrimPrefix(p.Key, "/"))
}

// Exists performs a live HeadObject call, independent of whether the
// creator has finished.
func (p *Path) Exists() bool {
	if p.stat == nil {
		return false
	}
	err := p.stat.HeadObject(context.Background(), p.Key)
	return err == nil
}

// Available reports whether the object exists AND (there is no creator,
// or the creator has finished), the same contract as sispath.Path.Available
// but backed by a live HeadObject instead of a local stat.
func (p *Path) Available(ctx context.Context) (bool, error) {
	if p.Creator != nil && !p.Creator.IsFinished() {
		return false, nil
	}
	if p.stat == nil {
		return false, fmt.Errorf("remote: path %s has no object store client configured", p.Location())
	}
	err := p.stat.HeadObject(ctx, p.Key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errObjectNotFound) {
		return false, nil
	}
	return false, err
}

// Fingerprint implements sishash.Fingerprinter. A remote Path's identity
// component is (creator.SisID() OR bucket, key, hash overwrite) — never
// object contents, matching sispath.Path's identity contract exactly.
func (p *Path) Fingerprint() ([]byte, error) {
	if p.HashOverwrite != "" {
		return sishash.Hash(struct{ Overwrite string }{p.HashOverwrite})
	}
	if p.Creator != nil {
		return sishash.Hash(struct {
			CreatorID string
			Bucket    string
			Key       string
		}{p.Creator.SisID(), p.Bucket, p.Key})
	}
	return sishash.Hash(struct {
		Bucket string
		Key    string
	}{p.Bucket, p.Key})
}

// CreatorSisID returns the creating job's identity, if this path has one,
// letting the graph derive a dependency edge across a remote path exactly
// as it does for a local sispath.Path.
func (p *Path) CreatorSisID() (string, bool) {
	if p.Creator == nil {
		return "", false
	}
	return p.Creator.SisID(), true
}

func (p *Path) String() string {
	return fmt.Sprintf("remote.Path(%s)", p.Location())
}

var _ sispath.Handle = (*Path)(nil)
