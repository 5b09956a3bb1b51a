package jobs

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Payload is the typed body of a job. Each kind has exactly one payload type.
type Payload interface {
	Kind() Kind
}

// FileRef is the {title, file} shape shared by the per-file kinds.
// File is relative to the managed storage tree (or staging area for imports).
type FileRef struct {
	Title string `json:"title"`
	File  string `json:"file"`
}

type CreateImageFinger FileRef

func (CreateImageFinger) Kind() Kind { return KindCreateImageFinger }

type Import FileRef

func (Import) Kind() Kind { return KindImport }

type FacesFind FileRef

func (FacesFind) Kind() Kind { return KindFacesFind }

type RetryUnknown struct{}

func (RetryUnknown) Kind() Kind { return KindRetryUnknown }

type UpgradeCheck struct{}

func (UpgradeCheck) Kind() Kind { return KindUpgradeCheck }

// NewFilePayload builds the payload of a per-file kind for file.
func NewFilePayload(kind Kind, file string) (Payload, error) {
	ref := FileRef{Title: file, File: file}
	switch kind {
	case KindCreateImageFinger:
		return CreateImageFinger(ref), nil
	case KindImport:
		return Import(ref), nil
	case KindFacesFind:
		return FacesFind(ref), nil
	default:
		return nil, fmt.Errorf("job kind %q does not take a file", kind)
	}
}

// ValidatePayload rejects per-file payloads whose file is empty or escapes its root.
func ValidatePayload(p Payload) error {
	var ref FileRef
	switch v := p.(type) {
	case nil:
		return fmt.Errorf("payload is nil")
	case CreateImageFinger:
		ref = FileRef(v)
	case Import:
		ref = FileRef(v)
	case FacesFind:
		ref = FileRef(v)
	case RetryUnknown, UpgradeCheck:
		return nil
	default:
		return fmt.Errorf("unsupported payload type %T", p)
	}

	f := strings.TrimSpace(ref.File)
	if f == "" {
		return fmt.Errorf("%s: file is required", p.Kind())
	}
	clean := path.Clean(strings.ReplaceAll(f, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%s: file %q must be relative", p.Kind(), ref.File)
	}
	return nil
}

func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	return json.Marshal(p)
}

func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindCreateImageFinger:
		var v CreateImageFinger
		err = json.Unmarshal(raw, &v)
		p = v
	case KindImport:
		var v Import
		err = json.Unmarshal(raw, &v)
		p = v
	case KindFacesFind:
		var v FacesFind
		err = json.Unmarshal(raw, &v)
		p = v
	case KindRetryUnknown:
		p = RetryUnknown{}
	case KindUpgradeCheck:
		p = UpgradeCheck{}
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
