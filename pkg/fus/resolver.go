package fus

import (
	"bytes"
	"context"
	"crypto/aes"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

const (
	binaryInformEndpoint = "NF_DownloadBinaryInform.do"
	binaryInitEndpoint   = "NF_DownloadBinaryInitForMass.do"
	binaryDownloadPath   = "NF_DownloadBinaryForMass.do"

	maxResponseSize = 1 << 20
)

// Resolver looks up firmware descriptors over an authenticated session
type Resolver struct {
	t *Transport
}

// NewResolver creates a new Resolver
func NewResolver(t *Transport) *Resolver {
	return &Resolver{t: t}
}

// exchange sends a signed FUS message and parses the reply, rotating the
// session nonce if the service issued a new one.
func (r *Resolver) exchange(ctx context.Context, s *Session, endpoint string, msg *fusMsgRequest) (*fusMsgResponse, error) {
	body, err := msg.marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode %s request: %w", ErrProtocol, endpoint, err)
	}

	resp, err := r.t.Send(ctx, endpoint, s.Header(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s response: %w", ErrNetwork, endpoint, err)
	}

	if err := s.Update(resp); err != nil {
		return nil, err
	}

	reply, err := parseResponse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, endpoint, err)
	}

	switch st := reply.status(); st {
	case 200:
		return reply, nil
	case 401:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrAuth, endpoint, st)
	case 400, 404, 408:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrNotFound, endpoint, st)
	case 0:
		return nil, fmt.Errorf("%w: %s response has no status", ErrParse, endpoint)
	default:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrProtocol, endpoint, st)
	}
}

// Resolve requests the binary descriptor for q
func (r *Resolver) Resolve(ctx context.Context, s *Session, q DeviceQuery) (*BinaryInfo, error) {
	version, err := NormalizeVersion(q.Version)
	if err != nil {
		return nil, err
	}
	check, err := LogicCheck(version, s.Nonce)
	if err != nil {
		return nil, err
	}

	reply, err := r.exchange(ctx, s, binaryInformEndpoint, binaryInformRequest(q, version, check))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", q)
	}

	info, err := binaryInfoFromResponse(reply)
	if err != nil {
		return nil, err
	}
	info.Model = q.Model
	info.Region = q.Region
	info.Version = version
	if info.LatestVersion == "" {
		info.LatestVersion = version
	}

	log.WithFields(log.Fields{
		"file": info.Filename,
		"size": info.Size,
		"crc":  fmt.Sprintf("%08X", info.CRC),
		"tag":  info.Tag,
	}).Debug("resolved binary")

	return info, nil
}

func binaryInfoFromResponse(reply *fusMsgResponse) (*BinaryInfo, error) {
	info := &BinaryInfo{
		Filename:     reply.field("BINARY_NAME"),
		Path:         reply.field("MODEL_PATH"),
		DisplayName:  reply.field("DEVICE_MODEL_DISPLAYNAME"),
		Platform:     reply.field("DEVICE_PLATFORM"),
		OSVersion:    reply.field("CURRENT_OS_VERSION"),
		LastModified: reply.field("LAST_MODIFIED"),

		LatestVersion: strings.TrimSpace(reply.Body.Results.LatestFWVersion.Data),
		LogicValue:    reply.field("LOGIC_VALUE_FACTORY"),
	}
	if info.Filename == "" {
		return nil, fmt.Errorf("%w: service returned no binary", ErrNotFound)
	}
	if path.Base(info.Filename) != info.Filename || info.Filename == "." || info.Filename == ".." {
		return nil, fmt.Errorf("%w: invalid BINARY_NAME %q", ErrParse, info.Filename)
	}

	tag, err := TagFromFilename(info.Filename)
	if err != nil {
		return nil, err
	}
	info.Tag = tag

	size, err := strconv.ParseUint(reply.field("BINARY_BYTE_SIZE"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid BINARY_BYTE_SIZE: %w", ErrParse, err)
	}
	if size == 0 || size%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: BINARY_BYTE_SIZE %d is not a positive multiple of %d", ErrParse, size, aes.BlockSize)
	}
	info.Size = size

	crc, err := strconv.ParseUint(reply.field("BINARY_CRC"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid BINARY_CRC: %w", ErrParse, err)
	}
	info.CRC = uint32(crc)

	return info, nil
}

// InitDownload announces the download of info to the service
func (r *Resolver) InitDownload(ctx context.Context, s *Session, info *BinaryInfo) error {
	stem := strings.SplitN(info.Filename, ".", 2)[0]
	if len(stem) > 16 {
		stem = stem[len(stem)-16:]
	}
	check, err := LogicCheck(stem, s.Nonce)
	if err != nil {
		return err
	}
	if _, err := r.exchange(ctx, s, binaryInitEndpoint, binaryInitRequest(info.Filename, check)); err != nil {
		return errors.Wrapf(err, "failed to initialise download of %s", info.Filename)
	}
	return nil
}

// DownloadPath is the download-host path serving the archive described by info
func DownloadPath(info *BinaryInfo) string {
	return binaryDownloadPath + "?file=" + info.Path + info.Filename
}
