package catalog

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"assetrails/internal/escrow"
)

// PostgresStore persists catalog records in PostgreSQL. Per-entity locks and
// the scanner writer lease use session-scoped advisory locks, so they vanish
// with the connection on crash.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS listings (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    price TEXT NOT NULL,
    owner_identity TEXT NOT NULL,
    certificate_id TEXT NOT NULL DEFAULT '',
    asset_address TEXT NOT NULL DEFAULT '',
    metadata_address TEXT NOT NULL DEFAULT '',
    pending_mint_tx TEXT NOT NULL DEFAULT '',
    pending_nonce BIGINT NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    version BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS listings_certificate_idx ON listings (certificate_id) WHERE certificate_id <> '';

CREATE TABLE IF NOT EXISTS certificates (
    id TEXT PRIMARY KEY,
    metadata_address TEXT NOT NULL,
    owner_identity TEXT NOT NULL,
    mint_tx_ref TEXT NOT NULL,
    version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS escrows (
    id TEXT PRIMARY KEY,
    buyer TEXT NOT NULL,
    seller TEXT NOT NULL,
    amount TEXT NOT NULL,
    certificate_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    deadline BIGINT NOT NULL,
    version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS escrow_intents (
    tx_hash TEXT PRIMARY KEY,
    listing_id TEXT NOT NULL,
    certificate_id TEXT NOT NULL,
    seller TEXT NOT NULL,
    buyer TEXT NOT NULL,
    amount TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors (
    topic TEXT PRIMARY KEY,
    block_number BIGINT NOT NULL,
    log_index BIGINT NOT NULL,
    version BIGINT NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, title, description, price, owner_identity, certificate_id,
       asset_address, metadata_address, pending_mint_tx, pending_nonce,
       state, active, version
FROM listings WHERE id = $1
`, id)
	return scanListing(row)
}

func (p *PostgresStore) ListingByCertificate(ctx context.Context, certificateID string) (*Listing, error) {
	if certificateID == "" {
		return nil, ErrNotFound
	}
	row := p.pool.QueryRow(ctx, `
SELECT id, title, description, price, owner_identity, certificate_id,
       asset_address, metadata_address, pending_mint_tx, pending_nonce,
       state, active, version
FROM listings WHERE certificate_id = $1
`, certificateID)
	return scanListing(row)
}

func scanListing(row pgx.Row) (*Listing, error) {
	var l Listing
	var state string
	err := row.Scan(&l.ID, &l.Title, &l.Description, &l.Price, &l.Owner,
		&l.CertificateID, &l.AssetAddress, &l.MetadataAddr, &l.PendingMintTx,
		&l.PendingNonce, &state, &l.Active, &l.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.State = ListingState(state)
	return &l, nil
}

func (p *PostgresStore) PutListing(ctx context.Context, l *Listing) error {
	if l.Version == 0 {
		tag, err := p.pool.Exec(ctx, `
INSERT INTO listings (id, title, description, price, owner_identity, certificate_id,
    asset_address, metadata_address, pending_mint_tx, pending_nonce, state, active, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)
ON CONFLICT (id) DO NOTHING
`, l.ID, l.Title, l.Description, l.Price, l.Owner, l.CertificateID,
			l.AssetAddress, l.MetadataAddr, l.PendingMintTx, l.PendingNonce,
			string(l.State), l.Active)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		l.Version = 1
		return nil
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE listings SET title=$2, description=$3, price=$4, owner_identity=$5,
    certificate_id=$6, asset_address=$7, metadata_address=$8, pending_mint_tx=$9,
    pending_nonce=$10, state=$11, active=$12, version=version+1
WHERE id=$1 AND version=$13
`, l.ID, l.Title, l.Description, l.Price, l.Owner, l.CertificateID,
		l.AssetAddress, l.MetadataAddr, l.PendingMintTx, l.PendingNonce,
		string(l.State), l.Active, l.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	l.Version++
	return nil
}

func (p *PostgresStore) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, metadata_address, owner_identity, mint_tx_ref, version
FROM certificates WHERE id = $1
`, id)
	var c Certificate
	err := row.Scan(&c.ID, &c.MetadataAddr, &c.Owner, &c.MintTxRef, &c.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) PutCertificate(ctx context.Context, c *Certificate) error {
	if c.Version == 0 {
		tag, err := p.pool.Exec(ctx, `
INSERT INTO certificates (id, metadata_address, owner_identity, mint_tx_ref, version)
VALUES ($1,$2,$3,$4,1)
ON CONFLICT (id) DO NOTHING
`, c.ID, c.MetadataAddr, c.Owner, c.MintTxRef)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		c.Version = 1
		return nil
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE certificates SET metadata_address=$2, owner_identity=$3, mint_tx_ref=$4, version=version+1
WHERE id=$1 AND version=$5
`, c.ID, c.MetadataAddr, c.Owner, c.MintTxRef, c.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, buyer, seller, amount, certificate_id, status, created_at, deadline, version
FROM escrows WHERE id = $1
`, id)
	var e Escrow
	var status string
	err := row.Scan(&e.ID, &e.Buyer, &e.Seller, &e.Amount, &e.CertificateID,
		&status, &e.CreatedAt, &e.Deadline, &e.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = escrow.Status(status)
	return &e, nil
}

func (p *PostgresStore) PutEscrow(ctx context.Context, e *Escrow) error {
	if e.Version == 0 {
		tag, err := p.pool.Exec(ctx, `
INSERT INTO escrows (id, buyer, seller, amount, certificate_id, status, created_at, deadline, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)
ON CONFLICT (id) DO NOTHING
`, e.ID, e.Buyer, e.Seller, e.Amount, e.CertificateID, string(e.Status), e.CreatedAt, e.Deadline)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		e.Version = 1
		return nil
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE escrows SET buyer=$2, seller=$3, amount=$4, certificate_id=$5, status=$6,
    created_at=$7, deadline=$8, version=version+1
WHERE id=$1 AND version=$9
`, e.ID, e.Buyer, e.Seller, e.Amount, e.CertificateID, string(e.Status),
		e.CreatedAt, e.Deadline, e.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	e.Version++
	return nil
}

func (p *PostgresStore) GetEscrowIntent(ctx context.Context, txHash string) (*EscrowIntent, error) {
	row := p.pool.QueryRow(ctx, `
SELECT tx_hash, listing_id, certificate_id, seller, buyer, amount
FROM escrow_intents WHERE tx_hash = $1
`, txHash)
	var in EscrowIntent
	err := row.Scan(&in.TxHash, &in.ListingID, &in.CertificateID, &in.Seller, &in.Buyer, &in.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (p *PostgresStore) PutEscrowIntent(ctx context.Context, in *EscrowIntent) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO escrow_intents (tx_hash, listing_id, certificate_id, seller, buyer, amount)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (tx_hash) DO NOTHING
`, in.TxHash, in.ListingID, in.CertificateID, in.Seller, in.Buyer, in.Amount)
	return err
}

func (p *PostgresStore) GetCursor(ctx context.Context, topic string) (*Cursor, error) {
	row := p.pool.QueryRow(ctx, `
SELECT topic, block_number, log_index, version FROM cursors WHERE topic = $1
`, topic)
	var c Cursor
	err := row.Scan(&c.Topic, &c.Block, &c.LogIndex, &c.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Cursor{Topic: topic}, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) PutCursor(ctx context.Context, c *Cursor) error {
	if c.Version == 0 {
		tag, err := p.pool.Exec(ctx, `
INSERT INTO cursors (topic, block_number, log_index, version)
VALUES ($1,$2,$3,1)
ON CONFLICT (topic) DO NOTHING
`, c.Topic, c.Block, c.LogIndex)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		c.Version = 1
		return nil
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE cursors SET block_number=$2, log_index=$3, version=version+1
WHERE topic=$1 AND version=$4
`, c.Topic, c.Block, c.LogIndex, c.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// LockEntity holds a pooled connection for the lifetime of the lock so the
// advisory lock stays session-scoped.
func (p *PostgresStore) LockEntity(ctx context.Context, key string) (func(), error) {
	return p.tryAdvisoryLock(ctx, advisoryKey("entity:"+key), ErrEntityLocked)
}

func (p *PostgresStore) AcquireLease(ctx context.Context, name string) (func(), error) {
	return p.tryAdvisoryLock(ctx, advisoryKey("lease:"+name), ErrLeaseHeld)
}

func (p *PostgresStore) tryAdvisoryLock(ctx context.Context, key int64, busy error) (func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, err
	}
	if !locked {
		conn.Release()
		return nil, busy
	}

	release := func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, nil
}

var _ Store = (*PostgresStore)(nil)
