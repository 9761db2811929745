// Package backup copies workspace domains into blob storage and restores
// them. Every domain is one zstd-compressed JSON-lines object; a manifest
// written last marks the backup complete.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"transactor/pkg/blob"
	"transactor/pkg/domain"
)

const (
	rootPrefix   = "backup/"
	manifestName = "manifest.json"
	domainSuffix = ".jsonl.zst"
	idLayout     = "20060102T150405.000Z"

	uploadBatch = 500
)

// Manifest describes one completed backup.
type Manifest struct {
	ID        string                `json:"id"`
	Workspace domain.WorkspaceID    `json:"workspace"`
	Created   time.Time             `json:"created"`
	Domains   map[domain.Domain]int `json:"domains"`
}

// Service reads and writes backups in one blob store.
type Service struct {
	store blob.Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// New returns a service writing to store.
func New(store blob.Store, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func workspacePrefix(ws domain.WorkspaceID) string {
	return rootPrefix + string(ws) + "/"
}

func domainKey(ws domain.WorkspaceID, id string, d domain.Domain) string {
	return workspacePrefix(ws) + id + "/" + string(d) + domainSuffix
}

func manifestKey(ws domain.WorkspaceID, id string) string {
	return workspacePrefix(ws) + id + "/" + manifestName
}

// Backup dumps domains of adapter. An empty domains list is rejected; callers
// pass Hierarchy.Domains for a full copy.
func (s *Service) Backup(ctx context.Context, ws domain.WorkspaceID, adapter domain.DbAdapter, domains []domain.Domain) (Manifest, error) {
	if len(domains) == 0 {
		return Manifest{}, domain.BadRequest("backup of %s lists no domains", ws)
	}
	created := s.now()
	m := Manifest{
		ID:        created.Format(idLayout),
		Workspace: ws,
		Created:   created,
		Domains:   make(map[domain.Domain]int, len(domains)),
	}
	for _, d := range domains {
		n, err := s.dumpDomain(ctx, adapter, domainKey(ws, m.ID, d), d)
		if err != nil {
			return Manifest{}, fmt.Errorf("backup %s/%s: %w", ws, d, err)
		}
		m.Domains[d] = n
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, err
	}
	if _, err := s.store.Put(ctx, manifestKey(ws, m.ID), bytes.NewReader(raw), blob.PutOptions{ContentType: "application/json"}); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	s.log.Infow("backup written", "workspace", ws, "id", m.ID, "domains", len(domains))
	return m, nil
}

func (s *Service) dumpDomain(ctx context.Context, adapter domain.DbAdapter, key string, d domain.Domain) (int, error) {
	it, err := adapter.Find(ctx, d)
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithZeroFrames(true))
	if err != nil {
		return 0, err
	}
	count := 0
	for {
		doc, err := it.Next(ctx)
		if err != nil {
			_ = enc.Close()
			return 0, err
		}
		if doc == nil {
			break
		}
		line, err := json.Marshal(doc)
		if err != nil {
			_ = enc.Close()
			return 0, err
		}
		if _, err := enc.Write(append(line, '\n')); err != nil {
			_ = enc.Close()
			return 0, err
		}
		count++
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}
	if _, err := s.store.Put(ctx, key, &buf, blob.PutOptions{ContentType: "application/zstd"}); err != nil {
		return 0, err
	}
	return count, nil
}

// List returns the manifests of ws, oldest first. Backups without a
// manifest are incomplete and skipped.
func (s *Service) List(ctx context.Context, ws domain.WorkspaceID) ([]Manifest, error) {
	infos, err := s.store.List(ctx, workspacePrefix(ws))
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, "/"+manifestName) {
			continue
		}
		m, err := s.readManifest(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (s *Service) readManifest(ctx context.Context, key string) (Manifest, error) {
	_, body, err := s.store.Get(ctx, key)
	if err != nil {
		return Manifest{}, err
	}
	defer func() { _ = body.Close() }()
	var m Manifest
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return m, nil
}

// Restore uploads every domain of backup id into adapter. Documents already
// present are replaced.
func (s *Service) Restore(ctx context.Context, ws domain.WorkspaceID, id string, adapter domain.DbAdapter) (Manifest, error) {
	m, err := s.readManifest(ctx, manifestKey(ws, id))
	if errors.Is(err, blob.ErrNotFound) {
		return Manifest{}, domain.NotFound("backup", domain.Ref(id))
	}
	if err != nil {
		return Manifest{}, err
	}
	domains := make([]domain.Domain, 0, len(m.Domains))
	for d := range m.Domains {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	for _, d := range domains {
		n, err := s.loadDomain(ctx, adapter, domainKey(ws, id, d), d)
		if err != nil {
			return Manifest{}, fmt.Errorf("restore %s/%s: %w", ws, d, err)
		}
		if n != m.Domains[d] {
			s.log.Warnw("restored document count differs from manifest", "domain", d, "expected", m.Domains[d], "restored", n)
		}
	}
	s.log.Infow("backup restored", "workspace", ws, "id", id)
	return m, nil
}

func (s *Service) loadDomain(ctx context.Context, adapter domain.DbAdapter, key string, d domain.Domain) (int, error) {
	_, body, err := s.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()
	dec, err := zstd.NewReader(body)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	count := 0
	batch := make([]domain.Doc, 0, uploadBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := adapter.Upload(ctx, d, batch); err != nil {
			return err
		}
		count += len(batch)
		batch = batch[:0]
		return nil
	}
	r := bufio.NewReader(dec)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var doc domain.Doc
			if jerr := json.Unmarshal(line, &doc); jerr != nil {
				return count, fmt.Errorf("decode %s: %w", key, jerr)
			}
			batch = append(batch, doc)
			if len(batch) == uploadBatch {
				if ferr := flush(); ferr != nil {
					return count, ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, err
		}
	}
	return count, flush()
}
