package restapi

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/account"
	"github.com/nedfreetoplay/hydrus/blobstore"
	"github.com/nedfreetoplay/hydrus/db"
	"github.com/nedfreetoplay/hydrus/service"
)

func init() {
	RegisterMethod(GET, "/", true, getWelcome)

	// Credential bootstrap.
	RegisterMethod(GET, "/access_key", true, getAccessKey)
	RegisterMethod(POST, "/auto_create_account", true, postAutoCreateAccount)
	RegisterMethod(POST, "/session_key", false, postSessionKey)

	// Accounts.
	RegisterMethod(GET, "/account", false, getAccount)
	RegisterMethod(GET, "/account_info", false, getAccountInfo)
	RegisterMethod(POST, "/modify_account_account_type", false, postModifyAccountType)
	RegisterMethod(POST, "/modify_account_ban", false, postModifyAccountBan)
	RegisterMethod(POST, "/modify_account_unban", false, postModifyAccountUnban)
	RegisterMethod(POST, "/modify_account_expires", false, postModifyAccountExpires)
	RegisterMethod(POST, "/modify_account_set_message", false, postModifyAccountSetMessage)
	RegisterMethod(POST, "/modify_account_delete_all_content", false, postModifyAccountDeleteAllContent)
	RegisterMethod(POST, "/registration_keys", false, postRegistrationKeys)

	// Content.
	RegisterMethod(GET, "/file", false, getFile)
	RegisterMethod(GET, "/thumbnail", false, getThumbnail)
	RegisterMethod(POST, "/file", false, postFile)
	RegisterMethod(GET, "/update", false, getUpdate)
	RegisterMethod(POST, "/update", false, postUpdate)
	RegisterMethod(GET, "/metadata", false, getMetadata)
	RegisterMethod(GET, "/metadata_slice", false, getMetadataSlice)

	// Moderation.
	RegisterMethod(GET, "/num_petitions", false, getNumPetitions)
	RegisterMethod(GET, "/petitions_summary", false, getPetitionsSummary)
	RegisterMethod(GET, "/petition", false, getPetition)

	// Administration.
	RegisterMethod(GET, "/services", false, getServices)
	RegisterMethod(POST, "/services", false, postServices)
	RegisterMethod(POST, "/lock_on", false, postLockOn)
	RegisterMethod(POST, "/lock_off", false, postLockOff)
	RegisterMethod(POST, "/vacuum", false, postVacuum)
	RegisterMethod(POST, "/regenerate_service_info", false, postRegenerateServiceInfo)
	RegisterMethod(POST, "/shutdown", true, postShutdown)
}

// getWelcome identifies the server to instance probes and curious browsers.
func getWelcome(s *server, c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":  "hydrus repository server",
		"service": s.svc.Name,
	})
}

func hexKeyParam(c *gin.Context, name string) (hydrus.Key, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, hydrus.Errorf(hydrus.BadRequest, "missing %s parameter", name)
	}
	return hydrus.KeyFromHex(raw)
}

func hashParam(c *gin.Context, name string) (hydrus.Hash, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, hydrus.Errorf(hydrus.BadRequest, "missing %s parameter", name)
	}
	return hydrus.HashFromHex(raw)
}

func intParam(c *gin.Context, name string, fallback int64) int64 {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func requireAdmin(c *gin.Context) (*account.Account, bool) {
	acct := requestAccount(c)
	if acct == nil || !acct.IsAdmin() {
		abort(c, hydrus.Errorf(hydrus.Forbidden, "this action requires an admin account"))
		return nil, false
	}
	return acct, true
}

func requireModerator(c *gin.Context, ct hydrus.ContentType) (*account.Account, bool) {
	acct := requestAccount(c)
	if acct == nil {
		abort(c, hydrus.Errorf(hydrus.Unauthorized, "no account"))
		return nil, false
	}
	if err := acct.CheckPermission(ct, hydrus.PermissionModerate, hydrus.NowUnix()); err != nil {
		abort(c, err)
		return nil, false
	}
	return acct, true
}

func getAccessKey(s *server, c *gin.Context) {
	regKey, err := hexKeyParam(c, "registration_key")
	if err != nil {
		abort(c, err)
		return
	}
	accessKey, err := s.eng.FetchAccessKey(c.Request.Context(), s.svc, regKey)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_key": accessKey.String()})
}

func postAutoCreateAccount(s *server, c *gin.Context) {
	accessKey, err := s.eng.AutoCreateAccount(c.Request.Context(), s.svc)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_key": accessKey.String()})
}

func postSessionKey(s *server, c *gin.Context) {
	header := c.GetHeader(AccessKeyHeader)
	if header == "" {
		abort(c, hydrus.Errorf(hydrus.Unauthorized, "session_key requires the access key header"))
		return
	}
	key, err := hydrus.KeyFromHex(header)
	if err != nil {
		abort(c, hydrus.Errorf(hydrus.Unauthorized, "malformed access key header"))
		return
	}
	sessionKey, expires, err := s.eng.BeginSession(c.Request.Context(), s.svc, hydrus.AccessKey(key))
	if err != nil {
		abort(c, err)
		return
	}
	c.SetCookie(SessionCookie, sessionKey.String(), int(expires-hydrus.NowUnix()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"session_key": sessionKey.String(), "expires": expires})
}

func getAccount(s *server, c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"account": requestAccount(c)})
}

func getAccountInfo(s *server, c *gin.Context) {
	if _, ok := requireModerator(c, hydrus.ContentAccounts); !ok {
		return
	}
	subjectKey, err := hexKeyParam(c, "subject_account_key")
	if err != nil {
		abort(c, err)
		return
	}
	info, err := s.eng.GetAccountInfo(c.Request.Context(), s.svc, subjectKey)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type modifyAccountRequest struct {
	SubjectAccountKey string `json:"subject_account_key" binding:"required"`
	AccountTypeID     int64  `json:"account_type_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Expires           int64  `json:"expires,omitempty"`
	Message           string `json:"message,omitempty"`
}

func bindModifyAccount(c *gin.Context) (modifyAccountRequest, hydrus.Key, bool) {
	var req modifyAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, hydrus.Errorf(hydrus.BadRequest, "malformed body: %v", err))
		return req, nil, false
	}
	key, err := hydrus.KeyFromHex(req.SubjectAccountKey)
	if err != nil {
		abort(c, err)
		return req, nil, false
	}
	return req, key, true
}

func postModifyAccountType(s *server, c *gin.Context) {
	if _, ok := requireModerator(c, hydrus.ContentAccounts); !ok {
		return
	}
	req, subjectKey, ok := bindModifyAccount(c)
	if !ok {
		return
	}
	err := s.eng.ModifyAccount(c.Request.Context(), s.svc, subjectKey, func(tx *db.Tx, subject *account.Account) error {
		return account.ModifyAccountType(tx, subject, req.AccountTypeID)
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func postModifyAccountBan(s *server, c *gin.Context) {
	if _, ok := requireModerator(c, hydrus.ContentAccounts); !ok {
		return
	}
	req, subjectKey, ok := bindModifyAccount(c)
	if !ok {
		return
	}
	err := s.eng.ModifyAccount(c.Request.Context(), s.svc, subjectKey, func(tx *db.Tx, subject *account.Account) error {
		return account.BanAccount(tx, subject, req.Reason, hydrus.NowUnix(), req.Expires)
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func postModifyAccountUnban(s *server, c *gin.Context) {
	if _, ok := requireModerator(c, hydrus.ContentAccounts); !ok {
		return
	}
	_, subjectKey, ok := bindModifyAccount(c)
	if !ok {
		return
	}
	err := s.eng.ModifyAccount(c.Request.Context(), s.svc, subjectKey, func(tx *db.Tx, subject *account.Account) error {
		return account.UnbanAccount(tx, subject)
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func postModifyAccountExpires(s *server, c *gin.Context) {
	if _, ok := requireModerator(c, hydrus.ContentAccounts); !ok {
		return
	}
	req, subjectKey, ok := bindModifyAccount(c)
	if !ok {
		return
	}
	err := s.eng.ModifyAccount(c.Request.Context(), s.svc, subjectKey, func(tx *db.Tx, subject *account.Account) error {
		return account.SetExpires(tx, subject, req.Expires)
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func postModifyAccountSetMessage(s *server, c *gin.Context) {
	if _, ok := requireModerator(c, hydrus.ContentAccounts); !ok {
		return
	}
	req, subjectKey, ok := bindModifyAccount(c)
	if !ok {
		return
	}
	err := s.eng.ModifyAccount(c.Request.Context(), s.svc, subjectKey, func(tx *db.Tx, subject *account.Account) error {
		return account.SetMessage(tx, subject, req.Message, hydrus.NowUnix())
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func postModifyAccountDeleteAllContent(s *server, c *gin.Context) {
	if _, ok := requireModerator(c, hydrus.ContentAccounts); !ok {
		return
	}
	_, subjectKey, ok := bindModifyAccount(c)
	if !ok {
		return
	}
	var subjectID int64
	err := s.eng.ModifyAccount(c.Request.Context(), s.svc, subjectKey, func(tx *db.Tx, subject *account.Account) error {
		subjectID = subject.ID
		return nil
	})
	if err != nil {
		abort(c, err)
		return
	}
	if err := s.eng.DeleteAllAccountContent(c.Request.Context(), s.svc, subjectID); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type registrationKeysRequest struct {
	AccountTypeID int64 `json:"account_type_id" binding:"required"`
	Count         int   `json:"count" binding:"required"`
	Expires       int64 `json:"expires,omitempty"`
}

func postRegistrationKeys(s *server, c *gin.Context) {
	if _, ok := requireModerator(c, hydrus.ContentAccounts); !ok {
		return
	}
	var req registrationKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, hydrus.Errorf(hydrus.BadRequest, "malformed body: %v", err))
		return
	}
	v, err := s.eng.Serializer().Write(c.Request.Context(), "issue registration keys", func(tx *db.Tx) (any, error) {
		return account.IssueRegistrationKeys(tx, s.svc.ID, req.AccountTypeID, req.Count, req.Expires)
	})
	if err != nil {
		abort(c, err)
		return
	}
	keys := v.([]hydrus.Key)
	hexes := make([]string, 0, len(keys))
	for _, k := range keys {
		hexes = append(hexes, k.String())
	}
	c.JSON(http.StatusOK, gin.H{"registration_keys": hexes})
}

func getFile(s *server, c *gin.Context) {
	serveBlob(s, c, blobstore.KindFile)
}

func getThumbnail(s *server, c *gin.Context) {
	serveBlob(s, c, blobstore.KindThumbnail)
}

func serveBlob(s *server, c *gin.Context, kind blobstore.BlobKind) {
	hash, err := hashParam(c, "hash")
	if err != nil {
		abort(c, err)
		return
	}
	acct := requestAccount(c)
	data, err := s.eng.FetchFile(c.Request.Context(), s.svc, hash, kind)
	if err != nil {
		abort(c, err)
		return
	}
	s.eng.ReportData(s.svc, acct, uint64(len(data)))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

type uploadMetadata struct {
	Hash      string `json:"hash" binding:"required"`
	Mime      int    `json:"mime"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Duration  int    `json:"duration,omitempty"`
	NumFrames int    `json:"num_frames,omitempty"`
	NumWords  int    `json:"num_words,omitempty"`
	Overwrite bool   `json:"overwrite_deleted,omitempty"`
}

func postFile(s *server, c *gin.Context) {
	acct := requestAccount(c)
	if err := acct.CheckPermission(hydrus.ContentFiles, hydrus.PermissionCreate, hydrus.NowUnix()); err != nil {
		abort(c, err)
		return
	}

	fileBytes, err := formFile(c, "file")
	if err != nil {
		abort(c, err)
		return
	}
	thumbnail, _ := formFile(c, "thumbnail")

	var meta uploadMetadata
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			abort(c, hydrus.Errorf(hydrus.BadRequest, "malformed metadata: %v", err))
			return
		}
	}
	hash, err := hydrus.HashFromHex(meta.Hash)
	if err != nil {
		abort(c, err)
		return
	}

	fm := hydrus.FileMetadata{
		Hash:      hash,
		Size:      uint64(len(fileBytes)),
		Mime:      meta.Mime,
		Width:     meta.Width,
		Height:    meta.Height,
		Duration:  meta.Duration,
		NumFrames: meta.NumFrames,
		NumWords:  meta.NumWords,
	}
	s.eng.ReportData(s.svc, acct, uint64(len(fileBytes)))
	if err := s.eng.StoreFile(c.Request.Context(), s.svc, acct, fileBytes, thumbnail, fm, meta.Overwrite, c.ClientIP()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func formFile(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, hydrus.Errorf(hydrus.BadRequest, "missing %s upload", field)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, hydrus.Error{Code: hydrus.BadRequest, Err: err}
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, hydrus.Error{Code: hydrus.BadRequest, Err: err}
	}
	return data, nil
}

func getUpdate(s *server, c *gin.Context) {
	hash, err := hashParam(c, "update_hash")
	if err != nil {
		abort(c, err)
		return
	}
	acct := requestAccount(c)
	data, err := s.eng.FetchUpdate(c.Request.Context(), s.svc, hash)
	if err != nil {
		abort(c, err)
		return
	}
	s.eng.ReportData(s.svc, acct, uint64(len(data)))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func postUpdate(s *server, c *gin.Context) {
	acct := requestAccount(c)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abort(c, hydrus.Error{Code: hydrus.BadRequest, Err: err})
		return
	}
	if err := s.eng.SubmitUpdate(c.Request.Context(), s.svc, acct, body); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func getMetadata(s *server, c *gin.Context) {
	serveMetadata(s, c, 0)
}

func getMetadataSlice(s *server, c *gin.Context) {
	serveMetadata(s, c, intParam(c, "since", 0))
}

func serveMetadata(s *server, c *gin.Context, since int64) {
	m, err := s.eng.Metadata(c.Request.Context(), s.svc, since)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func getNumPetitions(s *server, c *gin.Context) {
	if _, ok := requireModerator(c, hydrus.ContentMappings); !ok {
		return
	}
	counts, err := s.eng.NumPetitions(c.Request.Context(), s.svc)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"num_petitions": counts})
}

func getPetitionsSummary(s *server, c *gin.Context) {
	ct := hydrus.ContentType(intParam(c, "content_type", 0))
	if _, ok := requireModerator(c, ct); !ok {
		return
	}
	status := hydrus.ContentStatus(intParam(c, "status", int64(hydrus.StatusPetitioned)))
	limit := int(intParam(c, "num", 100))
	headers, err := s.eng.PetitionsSummary(c.Request.Context(), s.svc, ct, status, limit)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"petitions_summary": headers})
}

func getPetition(s *server, c *gin.Context) {
	ct := hydrus.ContentType(intParam(c, "content_type", 0))
	if _, ok := requireModerator(c, ct); !ok {
		return
	}
	status := hydrus.ContentStatus(intParam(c, "status", int64(hydrus.StatusPetitioned)))
	subjectKey, err := hexKeyParam(c, "subject_account_key")
	if err != nil {
		abort(c, err)
		return
	}
	p, err := s.eng.Petition(c.Request.Context(), s.svc, ct, status, subjectKey, c.Query("reason"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func getServices(s *server, c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": s.eng.Registry().List()})
}

type addServiceRequest struct {
	Name    string          `json:"name" binding:"required"`
	Type    int             `json:"service_type" binding:"required"`
	Port    int             `json:"port" binding:"required"`
	Options service.Options `json:"options"`
}

func postServices(s *server, c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	var req addServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, hydrus.Errorf(hydrus.BadRequest, "malformed body: %v", err))
		return
	}
	svc, adminKey, err := s.eng.AddService(c.Request.Context(), service.Service{
		Type:    hydrus.ServiceType(req.Type),
		Name:    req.Name,
		Port:    req.Port,
		Options: req.Options,
	})
	if err != nil {
		abort(c, err)
		return
	}
	// The new service's listener comes up on the next restart; the admin key
	// is shown exactly once.
	c.JSON(http.StatusOK, gin.H{
		"service_key": svc.Key.String(),
		"access_key":  adminKey.String(),
	})
}

func postLockOn(s *server, c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	if err := s.eng.LockOn(); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func postLockOff(s *server, c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	if err := s.eng.LockOff(); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func postVacuum(s *server, c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	if err := s.eng.Vacuum(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func postRegenerateServiceInfo(s *server, c *gin.Context) {
	if _, ok := requireAdmin(c); !ok {
		return
	}
	if err := s.eng.RegenerateServiceInfo(c.Request.Context(), s.svc); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// postShutdown stops the whole process. The CLI's stop verb posts it over
// loopback without a credential; anyone else needs an admin account.
func postShutdown(s *server, c *gin.Context) {
	ip := net.ParseIP(c.ClientIP())
	if ip == nil || !ip.IsLoopback() {
		acct, err := s.authenticate(c)
		if err != nil {
			abort(c, err)
			return
		}
		if !acct.IsAdmin() {
			abort(c, hydrus.Errorf(hydrus.Forbidden, "this action requires an admin account"))
			return
		}
	}
	c.Status(http.StatusOK)
	go s.eng.Shutdown()
}
