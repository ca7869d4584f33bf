package remote

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/aweris/ocflsync/internal/ocfl"
)

// Request and response bodies for the connect JSON protocol. Field names
// follow the protojson camelCase encoding.

type objectRequest struct {
	StorageRootID string `json:"storageRootId,omitempty"`
	ObjectID      string `json:"objectId"`
	Version       int    `json:"version,omitempty"`
}

type wireUser struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

type wireFileInfo struct {
	Size   jsonInt64         `json:"size"`
	Paths  []string          `json:"paths"`
	Fixity map[string]string `json:"fixity,omitempty"`
}

type wireVersion struct {
	StorageRootID   string                  `json:"storageRootId"`
	ObjectID        string                  `json:"objectId"`
	Version         int                     `json:"version"`
	Head            int                     `json:"head"`
	DigestAlgorithm string                  `json:"digestAlgorithm"`
	State           map[string]wireFileInfo `json:"state"`
	Message         string                  `json:"message,omitempty"`
	User            *wireUser               `json:"user,omitempty"`
	Created         *time.Time              `json:"created,omitempty"`
	Spec            string                  `json:"spec,omitempty"`
}

type wireManifest struct {
	StorageRootID   string                  `json:"storageRootId"`
	ObjectID        string                  `json:"objectId"`
	Path            string                  `json:"path,omitempty"`
	DigestAlgorithm string                  `json:"digestAlgorithm"`
	Manifest        map[string]wireFileInfo `json:"manifest"`
	Spec            string                  `json:"spec,omitempty"`
}

// connectError is the body of a non-200 connect unary response.
type connectError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// jsonInt64 accepts both the quoted form protojson uses for 64-bit
// integers and a bare number.
type jsonInt64 int64

func (n *jsonInt64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid int64 %s: %w", b, err)
	}
	*n = jsonInt64(v)
	return nil
}

func (n jsonInt64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(n), 10))), nil
}

func toManifest(in map[string]wireFileInfo) ocfl.Manifest {
	out := make(ocfl.Manifest, len(in))
	for d, info := range in {
		fi := ocfl.FileInfo{
			Size:  int64(info.Size),
			Paths: append([]string(nil), info.Paths...),
		}
		if len(info.Fixity) > 0 {
			fi.Fixity = ocfl.DigestSet(info.Fixity)
		}
		out[ocfl.NormalizeDigest(d)] = fi
	}
	return out
}

func (w *wireVersion) toState(ref ocfl.ObjectRef) (*ocfl.VersionState, error) {
	alg, err := ocfl.ParseAlgorithm(w.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	state := &ocfl.VersionState{
		ObjectRef: ref,
		Spec:      w.Spec,
		Version:   w.Version,
		Head:      w.Head,
		Algorithm: alg,
		State:     toManifest(w.State),
		Message:   w.Message,
	}
	if w.ObjectID != "" {
		state.ObjectRef = ocfl.ObjectRef{StorageRootID: w.StorageRootID, ID: w.ObjectID}
	}
	if w.User != nil {
		state.User = &ocfl.User{Name: w.User.Name, Address: w.User.Address}
	}
	if w.Created != nil {
		state.Created = *w.Created
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return state, nil
}

func (w *wireManifest) toManifest(ref ocfl.ObjectRef) (*ocfl.ObjectManifest, error) {
	alg, err := ocfl.ParseAlgorithm(w.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	m := &ocfl.ObjectManifest{
		ObjectRef: ref,
		Path:      w.Path,
		Spec:      w.Spec,
		Algorithm: alg,
		Manifest:  toManifest(w.Manifest),
	}
	if w.ObjectID != "" {
		m.ObjectRef = ocfl.ObjectRef{StorageRootID: w.StorageRootID, ID: w.ObjectID}
	}
	return m, nil
}
