package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"zkhealthpass/core/apperr"
	"zkhealthpass/core/audit"
	"zkhealthpass/core/types"
	"zkhealthpass/types/ids"
)

const (
	authorityPrefix  = "authority:"
	recordPrefix     = "record:"
	proofPrefix      = "proof:"
	proofIndexPrefix = "proofidx:"
	recordProofs     = "recproof:"
	auditPrefix      = "audit:"
	auditByProof     = "auditproof:"
	auditHeadKey     = "audit_head"
	keyCheckKey      = "meta:keycheck"
)

var keyCheckPlaintext = []byte("zkhealthpass")

// Storage persists authorities, records, proofs and the audit chain in
// LevelDB. Values are JSON sealed with AES-256-GCM. Writes that must be
// atomic with each other go through mu and a single leveldb.Batch.
type Storage struct {
	db     *leveldb.DB
	cipher *Cipher
	log    *zap.Logger

	// mu serializes read-modify-write commits. Never held across prover calls.
	mu sync.Mutex
}

type auditHead struct {
	Seq  uint64 `json:"seq"`
	Hash ids.ID `json:"hash"`
}

// Open opens (or creates) the database at path.
func Open(path string, dek []byte, log *zap.Logger) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return newStorage(db, dek, log)
}

// OpenMem opens an in-memory database, used by tests and dry runs.
func OpenMem(dek []byte, log *zap.Logger) (*Storage, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return newStorage(db, dek, log)
}

func newStorage(db *leveldb.DB, dek []byte, log *zap.Logger) (*Storage, error) {
	c, err := NewCipher(dek)
	if err != nil {
		db.Close()
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Storage{db: db, cipher: c, log: log.Named("storage")}
	if err := s.checkKey(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// checkKey stores a sealed marker on first open and refuses a different DEK later.
func (s *Storage) checkKey() error {
	enc, err := s.db.Get([]byte(keyCheckKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		sealed, err := s.cipher.Encrypt(keyCheckPlaintext)
		if err != nil {
			return err
		}
		return s.db.Put([]byte(keyCheckKey), sealed, nil)
	}
	if err != nil {
		return fmt.Errorf("read key check: %w", err)
	}
	plain, err := s.cipher.Decrypt(enc)
	if err != nil || !bytes.Equal(plain, keyCheckPlaintext) {
		return errors.New("data encryption key does not match this database")
	}
	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) seal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode value", err)
	}
	enc, err := s.cipher.Encrypt(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encrypt value", err)
	}
	return enc, nil
}

func (s *Storage) open(enc []byte, v any) error {
	raw, err := s.cipher.Decrypt(enc)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "decrypt value", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.KindInternal, "decode value", err)
	}
	return nil
}

func (s *Storage) get(key, what, id string, v any) error {
	enc, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return apperr.Newf(apperr.KindNotFound, "%s %s not found", what, id)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "read "+what, err)
	}
	return s.open(enc, v)
}

func (s *Storage) write(batch *leveldb.Batch) error {
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return apperr.Wrap(apperr.KindInternal, "write batch", err)
	}
	return nil
}

// --- authorities ---

func (s *Storage) PutAuthority(a *types.Authority) error {
	enc, err := s.seal(a)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(authorityPrefix+a.ID), enc)
	return s.write(batch)
}

func (s *Storage) GetAuthority(id string) (*types.Authority, error) {
	var a types.Authority
	if err := s.get(authorityPrefix+id, "authority", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAuthority applies fn to the stored authority under the commit lock.
func (s *Storage) UpdateAuthority(id string, fn func(*types.Authority) error) (*types.Authority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.GetAuthority(id)
	if err != nil {
		return nil, err
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	if err := s.PutAuthority(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Storage) ListAuthorities() ([]types.Authority, error) {
	var out []types.Authority
	err := s.scan(authorityPrefix, func(_, v []byte) error {
		var a types.Authority
		if err := s.open(v, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// --- health records ---

func (s *Storage) PutRecord(r *types.HealthRecord) error {
	enc, err := s.seal(r)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(recordPrefix+r.ID), enc)
	return s.write(batch)
}

func (s *Storage) GetRecord(id string) (*types.HealthRecord, error) {
	var r types.HealthRecord
	if err := s.get(recordPrefix+id, "health record", id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRecord applies fn to the stored record under the commit lock, so a
// re-sign or revoke is one atomic overwrite.
func (s *Storage) UpdateRecord(id string, fn func(*types.HealthRecord) error) (*types.HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.GetRecord(id)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := s.PutRecord(r); err != nil {
		return nil, err
	}
	return r, nil
}

// --- proofs ---

// ProofDigest keys the (proof_data, verification_key) lookup index.
func ProofDigest(proofData, verificationKey []byte) string {
	h := sha256.New()
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(proofData)))
	h.Write(n[:])
	h.Write(proofData)
	h.Write(verificationKey)
	return hex.EncodeToString(h.Sum(nil))
}

// sortable renders a timestamp so lexical key order is issuance order.
func sortable(nanos int64) string {
	return fmt.Sprintf("%020d", nanos)
}

// InsertProof persists a new proof and its indexes. The referenced record
// is re-read under the commit lock and must still be unrevoked, and no
// stored proof may carry the same (proof_data, verification_key) pair.
func (s *Storage) InsertProof(ctx context.Context, p *types.ZkProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.GetRecord(p.HealthRecordID)
	if err != nil {
		return err
	}
	if rec.IsRevoked {
		return apperr.Newf(apperr.KindForbidden, "health record %s is revoked", rec.ID)
	}
	existing, err := s.FindProof(p.ProofData, p.VerificationKey)
	switch {
	case err == nil:
		return apperr.Newf(apperr.KindConflict,
			"proof %s already holds identical proof data for record %s; revoke or reuse it", existing.ID, existing.HealthRecordID)
	case !errors.Is(err, apperr.ErrNotFound):
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("insert proof: %w", err)
	}

	enc, err := s.seal(p)
	if err != nil {
		return err
	}
	ts := sortable(p.GeneratedAt.UnixNano())
	batch := new(leveldb.Batch)
	batch.Put([]byte(proofPrefix+p.ID), enc)
	batch.Put([]byte(proofIndexPrefix+ProofDigest(p.ProofData, p.VerificationKey)+":"+ts+":"+p.ID), []byte(p.ID))
	batch.Put([]byte(recordProofs+p.HealthRecordID+":"+ts+":"+p.ID), []byte(p.ID))
	return s.write(batch)
}

func (s *Storage) GetProof(id string) (*types.ZkProof, error) {
	var p types.ZkProof
	if err := s.get(proofPrefix+id, "proof", id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindProof returns the proof whose stored pair equals (proofData,
// verificationKey) byte for byte. InsertProof keeps pairs unique; rows
// written before that held resolve to the earliest issued.
func (s *Storage) FindProof(proofData, verificationKey []byte) (*types.ZkProof, error) {
	prefix := proofIndexPrefix + ProofDigest(proofData, verificationKey) + ":"
	var found *types.ZkProof
	errStop := errors.New("stop")
	err := s.scan(prefix, func(_, v []byte) error {
		p, err := s.GetProof(string(v))
		if err != nil {
			return err
		}
		if bytes.Equal(p.ProofData, proofData) && bytes.Equal(p.VerificationKey, verificationKey) {
			found = p
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	if found == nil {
		return nil, apperr.New(apperr.KindNotFound, "no proof matches the presented data")
	}
	return found, nil
}

// ListProofsForRecord returns the record's proofs, newest first.
func (s *Storage) ListProofsForRecord(recordID string) ([]types.ZkProof, error) {
	var out []types.ZkProof
	err := s.scan(recordProofs+recordID+":", func(_, v []byte) error {
		p, err := s.GetProof(string(v))
		if err != nil {
			return err
		}
		out = append(out, *p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UpdateProof applies fn to the stored proof under the commit lock.
func (s *Storage) UpdateProof(ctx context.Context, id string, fn func(*types.ZkProof) error) (*types.ZkProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.GetProof(id)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("update proof: %w", err)
	}
	enc, err := s.seal(p)
	if err != nil {
		return nil, err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(proofPrefix+p.ID), enc)
	if err := s.write(batch); err != nil {
		return nil, err
	}
	return p, nil
}

// --- verification commit ---

// CommitResult reports what CommitVerification actually persisted.
type CommitResult struct {
	Passed bool
	// QuotaConsumed is set when the checks passed but the quota was used
	// up by a concurrent commit first.
	QuotaConsumed bool
	Proof         types.ZkProof
	Row           types.ProofVerification
}

// CommitVerification records one verification attempt against a known
// proof. Under the commit lock it re-reads the proof, increments
// usage_count only if the checks passed and usage_count < max_usage, seals
// the audit row onto the chain, and writes proof, row and chain head in one
// batch. Either everything is written or nothing is.
func (s *Storage) CommitVerification(ctx context.Context, proofID string, passed bool, row types.ProofVerification) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.GetProof(proofID)
	if err != nil {
		return CommitResult{}, err
	}
	head, err := s.auditHead()
	if err != nil {
		return CommitResult{}, err
	}

	res := CommitResult{Passed: passed}
	if passed {
		if p.QuotaExhausted() {
			res.Passed = false
			res.QuotaConsumed = true
		} else {
			p.UsageCount++
		}
	}

	row.ProofID = p.ID
	row.Result = res.Passed
	audit.Seal(head.Hash, head.Seq+1, &row)

	batch := new(leveldb.Batch)
	if res.Passed {
		enc, err := s.seal(p)
		if err != nil {
			return CommitResult{}, err
		}
		batch.Put([]byte(proofPrefix+p.ID), enc)
	}
	encRow, err := s.seal(&row)
	if err != nil {
		return CommitResult{}, err
	}
	seqKey := sortable(int64(row.Seq))
	batch.Put([]byte(auditPrefix+seqKey), encRow)
	batch.Put([]byte(auditByProof+p.ID+":"+seqKey), []byte(seqKey))
	headRaw, err := json.Marshal(auditHead{Seq: row.Seq, Hash: row.EntryHash})
	if err != nil {
		return CommitResult{}, apperr.Wrap(apperr.KindInternal, "encode audit head", err)
	}
	batch.Put([]byte(auditHeadKey), headRaw)

	if err := ctx.Err(); err != nil {
		return CommitResult{}, fmt.Errorf("commit verification: %w", err)
	}
	if err := s.write(batch); err != nil {
		return CommitResult{}, err
	}

	res.Proof = *p
	res.Row = row
	s.log.Debug("verification committed",
		zap.String("proof_id", p.ID),
		zap.Bool("passed", res.Passed),
		zap.Uint64("seq", row.Seq),
		zap.Int("usage_count", p.UsageCount),
	)
	return res, nil
}

func (s *Storage) auditHead() (auditHead, error) {
	var head auditHead
	raw, err := s.db.Get([]byte(auditHeadKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return head, nil
	}
	if err != nil {
		return head, apperr.Wrap(apperr.KindInternal, "read audit head", err)
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return head, apperr.Wrap(apperr.KindInternal, "decode audit head", err)
	}
	return head, nil
}

// AuditForProof returns the proof's audit rows in commit order.
func (s *Storage) AuditForProof(proofID string) ([]types.ProofVerification, error) {
	var out []types.ProofVerification
	err := s.scan(auditByProof+proofID+":", func(_, v []byte) error {
		row, err := s.auditRow(string(v))
		if err != nil {
			return err
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

// AuditAll returns every audit row in Seq order.
func (s *Storage) AuditAll() ([]types.ProofVerification, error) {
	var out []types.ProofVerification
	err := s.scan(auditPrefix, func(_, v []byte) error {
		var row types.ProofVerification
		if err := s.open(v, &row); err != nil {
			return err
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

func (s *Storage) auditRow(seqKey string) (types.ProofVerification, error) {
	var row types.ProofVerification
	err := s.get(auditPrefix+seqKey, "audit row", seqKey, &row)
	return row, err
}

// Stats counts stored objects per kind.
type Stats struct {
	Authorities int `json:"authorities"`
	Records     int `json:"records"`
	Proofs      int `json:"proofs"`
	AuditRows   int `json:"auditRows"`
}

func (s *Storage) Stats() (Stats, error) {
	var st Stats
	for prefix, n := range map[string]*int{
		authorityPrefix: &st.Authorities,
		recordPrefix:    &st.Records,
		proofPrefix:     &st.Proofs,
		auditPrefix:     &st.AuditRows,
	} {
		count := 0
		if err := s.scan(prefix, func(_, _ []byte) error { count++; return nil }); err != nil {
			return st, err
		}
		*n = count
	}
	return st, nil
}

// scan visits every key under prefix in order. Returning an error from fn stops the scan.
func (s *Storage) scan(prefix string, fn func(k, v []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return apperr.Wrap(apperr.KindInternal, "iterate "+prefix, err)
	}
	return nil
}
