// Package sisjob implements the job/task data model: identity by content
// hash, the derived lifecycle state machine, and resource requirements.
package sisjob

import (
	"crypto/sha256"
	"encoding/base64"
	"path"

	"github.com/rwth-i6/sisyphus/pkg/sishash"
)

// Identity is a job's sisyphus-id split into its components:
// <module_path>/<ClassName>.<base64url(hash)>.
type Identity struct {
	ModulePath string
	ClassName  string
	Hash       []byte
}

// SisID renders the identity in its canonical string form.
func (id Identity) SisID() string {
	encoded := base64.RawURLEncoding.EncodeToString(id.Hash)
	return path.Join(id.ModulePath, id.ClassName) + "." + encoded
}

// hashedArgs is the payload sisyphus-id hashing is computed over: the class
// name plus the kept (non-excluded) input arguments, in source-declaration
// order. Field order here is fixed, matching the reference's
// (ClassName, kept_input_arguments) tuple.
type hashedArgs struct {
	ClassName string
	Args      any
}

// ComputeIdentity hashes (className, args) to build a job's identity: the
// identity's Hash is the SHA-256 digest of sishash's canonical encoding of
// that pair. args
// should be a struct value listing every hashed constructor argument;
// fields the recipe wants excluded from identity should carry the
// `sishash:"skip"` tag.
func ComputeIdentity(modulePath, className string, args any) (Identity, error) {
	encoded, err := sishash.Hash(hashedArgs{ClassName: className, Args: args})
	if err != nil {
		return Identity{}, err
	}
	sum := sha256.Sum256(encoded)
	return Identity{ModulePath: modulePath, ClassName: className, Hash: sum[:]}, nil
}
