package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/bandwidth"
	"github.com/nedfreetoplay/hydrus/blobstore"
	"github.com/nedfreetoplay/hydrus/bundler"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/encoding"
	"github.com/nedfreetoplay/hydrus/master"
	"github.com/nedfreetoplay/hydrus/repository"
	"github.com/nedfreetoplay/hydrus/service"
)

// CheckRequest gates one incoming request: counts it, then applies the
// service's bandwidth rules and the account's own.
func (e *Engine) CheckRequest(svc *service.Service, acct *account.Account) error {
	e.usage.ReportRequest(svc.ID)
	if acct != nil {
		acct.Bandwidth.ReportRequestUsed()
	}
	if !svc.Options.ServerBandwidth.CanStartRequest(e.usage.forService(svc.ID)) {
		return hydrus.Errorf(hydrus.BandwidthExceeded, "service %s is over its bandwidth rules", svc.Name)
	}
	if acct != nil {
		return acct.CheckBandwidth()
	}
	return nil
}

// ReportData counts response or upload payload bytes against the service and
// account trackers.
func (e *Engine) ReportData(svc *service.Service, acct *account.Account, n uint64) {
	e.usage.ReportData(svc.ID, n)
	if acct != nil {
		acct.Bandwidth.ReportDataUsed(n)
	}
}

// Authenticate resolves the requesting account from a session key or, absent
// one, an access key. Access-key resolution goes through the serializer
// because first use of a registration credential materializes the account.
func (e *Engine) Authenticate(ctx context.Context, svc *service.Service, accessKey hydrus.AccessKey, sessionKey hydrus.Key) (*account.Account, error) {
	now := hydrus.NowUnix()
	if sessionKey != nil {
		return e.sessions.AccountForSession(svc.ID, sessionKey, now)
	}
	if accessKey == nil {
		return nil, hydrus.Errorf(hydrus.Unauthorized, "no credential supplied")
	}
	v, err := e.ser.Write(ctx, "resolve access key", func(tx *db.Tx) (any, error) {
		accountKey, err := account.ResolveAccessKey(tx, svc.ID, accessKey, now)
		if err != nil {
			return nil, err
		}
		return account.GetAccount(tx, svc.ID, accountKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*account.Account), nil
}

// BeginSession opens a session for an access key.
func (e *Engine) BeginSession(ctx context.Context, svc *service.Service, accessKey hydrus.AccessKey) (hydrus.Key, int64, error) {
	type result struct {
		key     hydrus.Key
		expires int64
	}
	v, err := e.ser.Write(ctx, "begin session", func(tx *db.Tx) (any, error) {
		key, expires, err := e.sessions.Begin(tx, svc.ID, accessKey, hydrus.NowUnix())
		return result{key: key, expires: expires}, err
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(result)
	return r.key, r.expires, nil
}

// FetchAccessKey trades a registration key for the account's access key.
func (e *Engine) FetchAccessKey(ctx context.Context, svc *service.Service, regKey hydrus.Key) (hydrus.AccessKey, error) {
	v, err := e.ser.Write(ctx, "fetch access key", func(tx *db.Tx) (any, error) {
		return account.FetchAccessKey(tx, svc.ID, regKey, hydrus.NowUnix())
	})
	if err != nil {
		return nil, err
	}
	return v.(hydrus.AccessKey), nil
}

// AutoCreateAccount provisions an account on an auto-creating account type
// and returns its access key.
func (e *Engine) AutoCreateAccount(ctx context.Context, svc *service.Service) (hydrus.AccessKey, error) {
	v, err := e.ser.Write(ctx, "auto-create account", func(tx *db.Tx) (any, error) {
		types, err := account.GetTypesForService(tx, svc.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range types {
			if !t.CanAutoCreate() {
				continue
			}
			regKey, err := account.AutoCreateRegistrationKey(tx, svc.ID, t.ID)
			if err != nil {
				return nil, err
			}
			return account.FetchAccessKey(tx, svc.ID, regKey, hydrus.NowUnix())
		}
		return nil, hydrus.Errorf(hydrus.Forbidden, "service %s does not auto-create accounts", svc.Name)
	})
	if err != nil {
		return nil, err
	}
	return v.(hydrus.AccessKey), nil
}

// StoreFile ingests one uploaded file: verifies the digest, writes the blob
// and thumbnail, and commits the logical row.
func (e *Engine) StoreFile(ctx context.Context, svc *service.Service, acct *account.Account, fileBytes, thumbnail []byte, meta hydrus.FileMetadata, overwriteDeleted bool, ip string) error {
	if !bytes.Equal(hydrus.HashBytes(fileBytes), meta.Hash) {
		return hydrus.Errorf(hydrus.BadRequest, "uploaded bytes do not hash to %s", meta.Hash)
	}
	if err := e.store.Put(ctx, meta.Hash, blobstore.KindFile, fileBytes); err != nil {
		return err
	}
	if thumbnail != nil {
		if err := e.store.Put(ctx, meta.Hash, blobstore.KindThumbnail, thumbnail); err != nil {
			return err
		}
	}
	_, err := e.ser.Write(ctx, "add file", func(tx *db.Tx) (any, error) {
		return nil, repository.AddFile(tx, svc, acct, meta, overwriteDeleted, ip, hydrus.NowUnix())
	})
	return err
}

// FetchFile serves a blob the service currently holds.
func (e *Engine) FetchFile(ctx context.Context, svc *service.Service, hash hydrus.Hash, kind blobstore.BlobKind) ([]byte, error) {
	if _, err := e.ser.Read(ctx, "check file current", func(tx *db.Tx) (any, error) {
		masterID, err := master.LookupHashID(tx, hash)
		if err != nil {
			return nil, err
		}
		shid, err := repository.LookupServiceHashID(tx, svc.ID, masterID)
		if err != nil {
			return nil, err
		}
		var one int
		if err := tx.QueryRow(
			fmt.Sprintf("SELECT 1 FROM current_files_%d WHERE service_hash_id = ?", svc.ID),
			shid).Scan(&one); err != nil {
			return nil, hydrus.Errorf(hydrus.NotFound, "service %s does not serve %s", svc.Name, hash)
		}
		return nil, nil
	}); err != nil {
		return nil, err
	}
	return e.store.Read(ctx, hash, kind)
}

// FetchUpdate serves an update bundle the service has published.
func (e *Engine) FetchUpdate(ctx context.Context, svc *service.Service, hash hydrus.Hash) ([]byte, error) {
	if _, err := e.ser.Read(ctx, "check update published", func(tx *db.Tx) (any, error) {
		masterID, err := master.LookupHashID(tx, hash)
		if err != nil {
			return nil, err
		}
		var idx int64
		err = tx.QueryRow(
			fmt.Sprintf("SELECT update_index FROM updates_%d WHERE master_hash_id = ?", svc.ID),
			masterID).Scan(&idx)
		if err != nil {
			return nil, hydrus.Errorf(hydrus.NotFound, "service %s has no update %s", svc.Name, hash)
		}
		return nil, nil
	}); err != nil {
		return nil, err
	}
	return e.store.Read(ctx, hash, blobstore.KindFile)
}

// Metadata serves a service's update index from a given update index on.
func (e *Engine) Metadata(ctx context.Context, svc *service.Service, since int64) (encoding.Metadata, error) {
	v, err := e.ser.Read(ctx, "metadata", func(tx *db.Tx) (any, error) {
		return bundler.Metadata(tx, svc, since)
	})
	if err != nil {
		return encoding.Metadata{}, err
	}
	return v.(encoding.Metadata), nil
}

// SubmitUpdate applies one client submission.
func (e *Engine) SubmitUpdate(ctx context.Context, svc *service.Service, acct *account.Account, body []byte) error {
	upd, err := encoding.DecodeClientToServerUpdate(body)
	if err != nil {
		return err
	}
	e.ReportData(svc, acct, uint64(len(body)))
	allIDs := e.RepositoryIDs()
	_, err = e.ser.Write(ctx, "client submission", func(tx *db.Tx) (any, error) {
		return nil, repository.ProcessUpdate(tx, svc, acct, upd, allIDs, hydrus.NowUnix())
	})
	return err
}

// NumPetitions reports the service's open petition counts.
func (e *Engine) NumPetitions(ctx context.Context, svc *service.Service) ([]hydrus.KeyValuePair[[2]int, int64], error) {
	v, err := e.ser.Read(ctx, "num petitions", func(tx *db.Tx) (any, error) {
		return repository.NumPetitions(tx, svc.ID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]hydrus.KeyValuePair[[2]int, int64]), nil
}

// PetitionsSummary lists petition headers for a (content type, status).
func (e *Engine) PetitionsSummary(ctx context.Context, svc *service.Service, ct hydrus.ContentType, status hydrus.ContentStatus, limit int) ([]encoding.PetitionHeader, error) {
	v, err := e.ser.Read(ctx, "petitions summary", func(tx *db.Tx) (any, error) {
		return repository.GetPetitionsSummary(tx, svc.ID, ct, status, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]encoding.PetitionHeader), nil
}

// Petition materializes one petition for moderation.
func (e *Engine) Petition(ctx context.Context, svc *service.Service, ct hydrus.ContentType, status hydrus.ContentStatus, accountKey hydrus.Key, reason string) (encoding.Petition, error) {
	v, err := e.ser.Read(ctx, "petition", func(tx *db.Tx) (any, error) {
		return repository.GetPetition(tx, svc.ID, ct, status, accountKey, reason)
	})
	if err != nil {
		return encoding.Petition{}, err
	}
	return v.(encoding.Petition), nil
}

// AccountInfo is the admin view of one account.
type AccountInfo struct {
	Account        *account.Account `json:"account"`
	Score          int64            `json:"score"`
	BytesUsedMonth uint64           `json:"bytes_used_month"`
	RequestsMonth  uint64           `json:"requests_month"`
}

// GetAccountInfo assembles the admin view of a subject account.
func (e *Engine) GetAccountInfo(ctx context.Context, svc *service.Service, subjectKey hydrus.Key) (AccountInfo, error) {
	v, err := e.ser.Read(ctx, "account info", func(tx *db.Tx) (any, error) {
		subject, err := account.GetAccount(tx, svc.ID, subjectKey)
		if err != nil {
			return nil, err
		}
		score, err := repository.GetAccountScore(tx, svc.ID, subject.ID)
		if err != nil {
			return nil, err
		}
		info := AccountInfo{Account: subject, Score: score}
		if subject.Bandwidth != nil {
			info.BytesUsedMonth = subject.Bandwidth.GetUsage(bandwidth.Data, bandwidth.WindowMonth)
			info.RequestsMonth = subject.Bandwidth.GetUsage(bandwidth.Requests, bandwidth.WindowMonth)
		}
		return info, nil
	})
	if err != nil {
		return AccountInfo{}, err
	}
	return v.(AccountInfo), nil
}

// ModifyAccount runs one admin mutation against a subject account inside a
// serializer job, refreshing sessions afterwards via the usual topics.
func (e *Engine) ModifyAccount(ctx context.Context, svc *service.Service, subjectKey hydrus.Key, mutate func(tx *db.Tx, subject *account.Account) error) error {
	_, err := e.ser.Write(ctx, "modify account", func(tx *db.Tx) (any, error) {
		subject, err := account.GetAccount(tx, svc.ID, subjectKey)
		if err != nil {
			return nil, err
		}
		return nil, mutate(tx, subject)
	})
	return err
}
