package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStat struct {
	present map[string]bool
}

func (f *fakeStat) HeadObject(ctx context.Context, key string) error {
	if f.present[key] {
		return nil
	}
	return errObjectNotFound
}

type fakeCreator struct {
	id       string
	finished bool
}

func (c fakeCreator) SisID() string    { return c.id }
func (c fakeCreator) IsFinished() bool { return c.finished }

func TestAvailableRequiresBothObjectAndCreatorFinished(t *testing.T) {
	stat := &fakeStat{present: map[string]bool{"out/result.bin": true}}
	creator := fakeCreator{id: "recipe.pkg/Foo.abc", finished: false}
	p := New(stat, creator, "my-bucket", "out/result.bin")

	ok, err := p.Available(context.Background())
	require.NoError(t, err)
	require.False(t, ok, "object exists but creator hasn't finished")

	creator.finished = true
	p2 := New(stat, creator, "my-bucket", "out/result.bin")
	ok, err = p2.Available(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAvailableFalseWhenObjectMissing(t *testing.T) {
	stat := &fakeStat{present: map[string]bool{}}
	p := New(stat, nil, "my-bucket", "missing.bin")

	ok, err := p.Available(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocationRendersS3URI(t *testing.T) {
	p := New(nil, nil, "my-bucket", "a/b/c.bin")
	require.Equal(t, "s3://my-bucket/a/b/c.bin", p.Location())
}

func TestFingerprintDependsOnCreatorBucketAndKey(t *testing.T) {
	a := New(nil, fakeCreator{id: "j1"}, "bucket", "key")
	b := New(nil, fakeCreator{id: "j1"}, "bucket", "key")
	c := New(nil, fakeCreator{id: "j2"}, "bucket", "key")

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	fc, err := c.Fingerprint()
	require.NoError(t, err)

	require.Equal(t, fa, fb)
	require.NotEqual(t, fa, fc)
}

func TestCreatorSisIDReflectsCreator(t *testing.T) {
	p := New(nil, nil, "bucket", "key")
	_, ok := p.CreatorSisID()
	require.False(t, ok)

	p2 := New(nil, fakeCreator{id: "j1"}, "bucket", "key")
	id, ok := p2.CreatorSisID()
	require.True(t, ok)
	require.Equal(t, "j1", id)
}
