package main

/******************************************************************************
 *
 *  Description :
 *
 *    HTTP endpoints: credential operations, the websocket upgrade and the
 *    invite landing page.
 *
 *****************************************************************************/

import (
	"encoding/json"
	"html/template"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store"
	"github.com/vertex-im/vertex/server/store/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The client is not a browser; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

func setupMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/vertex/client/authenticate", serveWebSocket)
	mux.HandleFunc("/vertex/client/register", serveRegister)
	mux.HandleFunc("/vertex/client/token/create", serveTokenCreate)
	mux.HandleFunc("/vertex/client/token/refresh", serveTokenRefresh)
	mux.HandleFunc("/vertex/client/token/revoke", serveTokenRevoke)
	mux.HandleFunc("/vertex/client/change_password", serveChangePassword)
	mux.Handle("/vertex/invite/", handlers.CompressHandler(http.HandlerFunc(serveInvite)))
	mux.Handle("/metrics", handlers.CompressHandler(metricsHandler()))
	mux.HandleFunc("/", serveWrongEndpoint)
	return mux
}

func writeAuthResponse(wrt http.ResponseWriter, status int, resp *MsgAuthResponse) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(status)
	json.NewEncoder(wrt).Encode(resp)
}

func authErr(wrt http.ResponseWriter, status int, kind string) {
	writeAuthResponse(wrt, status, &MsgAuthResponse{Err: kind})
}

func serveWrongEndpoint(wrt http.ResponseWriter, req *http.Request) {
	authErr(wrt, http.StatusNotFound, ErrKindWrongEndpoint)
}

func decodeAuthBody(wrt http.ResponseWriter, req *http.Request, body interface{}) bool {
	if req.Method != http.MethodPost {
		authErr(wrt, http.StatusMethodNotAllowed, ErrKindWrongEndpoint)
		return false
	}
	if err := json.NewDecoder(req.Body).Decode(body); err != nil {
		authErr(wrt, http.StatusBadRequest, ErrKindInvalidMessage)
		return false
	}
	return true
}

// verifyCredentials resolves a username/password pair into a user record.
// Successful verification against an outdated hash scheme, or for an account
// flagged compromised, re-hashes with the latest scheme.
func verifyCredentials(username, password string) (*types.User, string) {
	username = auth.PrepareUsername(username)
	if username == "" {
		return nil, ErrKindIncorrectCredentials
	}

	user, err := store.Users.GetByUsername(username)
	if err != nil {
		log.Println("credentials:", err)
		return nil, ErrKindInternal
	}
	if user == nil {
		return nil, ErrKindIncorrectCredentials
	}

	ok, outdated, err := auth.VerifyPassword(password, user.PasswordHash, user.HashScheme)
	if err != nil {
		log.Println("credentials:", err)
		return nil, ErrKindInternal
	}
	if !ok {
		return nil, ErrKindIncorrectCredentials
	}
	if user.Locked {
		return nil, ErrKindUserLocked
	}
	if user.Banned {
		return nil, ErrKindUserBanned
	}

	if outdated || user.Compromised {
		// The plaintext is at hand and correct: upgrade the stored hash.
		hash, scheme, err := auth.HashPassword(password)
		if err == nil {
			err = store.Users.ChangePassword(user.Id, hash, scheme)
		}
		if err != nil {
			log.Println("credentials: re-hash:", err)
		} else {
			user.PasswordHash = hash
			user.HashScheme = scheme
			user.Compromised = false
		}
	}

	return user, ""
}

func serveRegister(wrt http.ResponseWriter, req *http.Request) {
	var body MsgAuthRegister
	if !decodeAuthBody(wrt, req, &body) {
		return
	}

	username := auth.PrepareUsername(body.Username)
	if username == "" {
		authErr(wrt, http.StatusBadRequest, ErrKindInvalidUsername)
		return
	}
	if !auth.ValidPassword(body.Password) {
		authErr(wrt, http.StatusBadRequest, ErrKindInvalidPassword)
		return
	}
	displayName := body.DisplayName
	if displayName == "" {
		displayName = username
	}
	if !auth.ValidDisplayName(displayName) {
		authErr(wrt, http.StatusBadRequest, ErrKindInvalidDisplayName)
		return
	}

	hash, scheme, err := auth.HashPassword(body.Password)
	if err != nil {
		log.Println("register:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return
	}

	user := &types.User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		HashScheme:   scheme,
	}
	switch err := store.Users.Create(user); err {
	case nil:
	case types.ErrDuplicate:
		authErr(wrt, http.StatusConflict, ErrKindUsernameAlreadyExists)
		return
	default:
		log.Println("register:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return
	}

	writeAuthResponse(wrt, http.StatusCreated, &MsgAuthResponse{Ok: &MsgAuthOk{User: user.Id}})
}

func serveTokenCreate(wrt http.ResponseWriter, req *http.Request) {
	var body MsgAuthCreateToken
	if !decodeAuthBody(wrt, req, &body) {
		return
	}

	user, kind := verifyCredentials(body.Username, body.Password)
	if kind != "" {
		authErr(wrt, http.StatusUnauthorized, kind)
		return
	}

	token, digest, err := auth.NewToken()
	if err != nil {
		log.Println("token create:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return
	}

	perms := body.Options.PermissionFlags
	if perms == 0 {
		perms = auth.PermAll
	}
	record := &types.Token{
		Device:         types.NewDeviceId(),
		User:           user.Id,
		DeviceName:     body.Options.DeviceName,
		TokenHash:      digest,
		HashScheme:     auth.LatestSchemeVersion,
		LastUsed:       time.Now().UTC().Round(time.Millisecond),
		ExpirationDate: body.Options.ExpirationDate,
		Permissions:    perms,
	}
	if err = store.Tokens.Create(record); err != nil {
		log.Println("token create:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return
	}

	writeAuthResponse(wrt, http.StatusCreated, &MsgAuthResponse{Ok: &MsgAuthOk{
		User:   user.Id,
		Device: record.Device,
		Token:  token,
	}})
}

func serveTokenRefresh(wrt http.ResponseWriter, req *http.Request) {
	var body MsgAuthRefreshToken
	if !decodeAuthBody(wrt, req, &body) {
		return
	}

	user, kind := verifyCredentials(body.Username, body.Password)
	if kind != "" {
		authErr(wrt, http.StatusUnauthorized, kind)
		return
	}
	if !tokenBelongsTo(wrt, body.Device, user.Id) {
		return
	}

	existed, err := store.Tokens.Refresh(body.Device, time.Now().UTC().Round(time.Millisecond))
	if err != nil {
		log.Println("token refresh:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return
	}
	if !existed {
		authErr(wrt, http.StatusNotFound, ErrKindDeviceDoesNotExist)
		return
	}
	writeAuthResponse(wrt, http.StatusOK, &MsgAuthResponse{Ok: &MsgAuthOk{Device: body.Device}})
}

func serveTokenRevoke(wrt http.ResponseWriter, req *http.Request) {
	var body MsgAuthRevokeToken
	if !decodeAuthBody(wrt, req, &body) {
		return
	}

	user, kind := verifyCredentials(body.Username, body.Password)
	if kind != "" {
		authErr(wrt, http.StatusUnauthorized, kind)
		return
	}
	if !tokenBelongsTo(wrt, body.Device, user.Id) {
		return
	}

	existed, err := store.Tokens.Delete(body.Device)
	if err != nil {
		log.Println("token revoke:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return
	}
	if !existed {
		authErr(wrt, http.StatusNotFound, ErrKindDeviceDoesNotExist)
		return
	}
	globals.sessionStore.RemoveAndNotify(user.Id, body.Device, "")

	writeAuthResponse(wrt, http.StatusOK, &MsgAuthResponse{Ok: &MsgAuthOk{Device: body.Device}})
}

// tokenBelongsTo rejects attempts to manage another user's device.
func tokenBelongsTo(wrt http.ResponseWriter, device types.DeviceId, user types.UserId) bool {
	token, err := store.Tokens.Get(device)
	if err != nil {
		log.Println("token lookup:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return false
	}
	if token == nil || token.User != user {
		authErr(wrt, http.StatusNotFound, ErrKindDeviceDoesNotExist)
		return false
	}
	return true
}

func serveChangePassword(wrt http.ResponseWriter, req *http.Request) {
	var body MsgAuthChangePassword
	if !decodeAuthBody(wrt, req, &body) {
		return
	}

	user, kind := verifyCredentials(body.Username, body.OldPassword)
	if kind != "" {
		authErr(wrt, http.StatusUnauthorized, kind)
		return
	}
	if !auth.ValidPassword(body.NewPassword) {
		authErr(wrt, http.StatusBadRequest, ErrKindInvalidPassword)
		return
	}

	hash, scheme, err := auth.HashPassword(body.NewPassword)
	if err == nil {
		err = store.Users.ChangePassword(user.Id, hash, scheme)
	}
	if err != nil {
		log.Println("change password:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return
	}

	// All existing tokens of the user are invalid now.
	revokeUserTokens(user.Id, types.DeviceId{}, "")

	writeAuthResponse(wrt, http.StatusOK, &MsgAuthResponse{Ok: &MsgAuthOk{User: user.Id}})
}

// serveWebSocket authenticates the (device, token) pair carried in the query
// string and upgrades the connection into a live session.
func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		authErr(wrt, http.StatusMethodNotAllowed, ErrKindWrongEndpoint)
		return
	}

	device, err := types.ParseDeviceId(req.URL.Query().Get("device"))
	if err != nil {
		authErr(wrt, http.StatusUnauthorized, ErrKindInvalidToken)
		return
	}
	tokenStr := req.URL.Query().Get("token")

	token, err := store.Tokens.Get(device)
	if err != nil {
		log.Println("authenticate:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return
	}
	if token == nil || !auth.VerifyToken(tokenStr, token.TokenHash) {
		authErr(wrt, http.StatusUnauthorized, ErrKindInvalidToken)
		return
	}

	now := time.Now().UTC().Round(time.Millisecond)
	if token.Expired(now, globals.tokenExpiryDays) {
		authErr(wrt, http.StatusUnauthorized, ErrKindTokenExpired)
		return
	}

	user, err := store.Users.Get(token.User)
	if err != nil {
		log.Println("authenticate:", err)
		authErr(wrt, http.StatusInternalServerError, ErrKindInternal)
		return
	}
	if user == nil {
		authErr(wrt, http.StatusUnauthorized, ErrKindUserDeleted)
		return
	}
	if user.Locked {
		authErr(wrt, http.StatusUnauthorized, ErrKindUserLocked)
		return
	}
	if user.Banned {
		authErr(wrt, http.StatusUnauthorized, ErrKindUserBanned)
		return
	}

	if _, err = store.Tokens.Refresh(device, now); err != nil {
		log.Println("authenticate: refresh:", err)
	}

	// Claim the device slot; an older live session is evicted and
	// notified first.
	if err = globals.sessionStore.Insert(user.Id, device); err != nil {
		authErr(wrt, http.StatusConflict, ErrKindTokenInUse)
		return
	}

	conn, err := upgrader.Upgrade(wrt, req, nil)
	if err != nil {
		log.Println("authenticate: upgrade:", err)
		globals.sessionStore.Delete(user.Id, device, nil)
		return
	}

	sess := newSession(conn, req.RemoteAddr, user.Id, device, token.Permissions)
	if !globals.sessionStore.Upgrade(user.Id, device, sess) {
		// The slot was logged out while the socket was upgrading.
		conn.Close()
		return
	}
	liveSessions.Inc()

	go sess.writeLoop()

	ready, err := buildClientReady(sess, user)
	if err != nil {
		log.Println("authenticate: ready:", err)
		sess.logOut("")
	} else {
		sess.queueOut(EventMsg(&MsgServerEvent{Ready: ready}))
	}

	sess.readLoop()
}

// buildClientReady registers the session with the actors of every community
// the user belongs to and assembles the initial snapshot.
func buildClientReady(sess *Session, user *types.User) (*MsgClientReady, error) {
	records, err := store.Communities.ForUser(sess.uid)
	if err != nil {
		return nil, err
	}

	communities := make([]CommunityStructure, 0, len(records))
	for _, record := range records {
		c := globals.hub.Get(record.Id)
		if c == nil {
			// Membership row without a loaded actor; heals on next boot.
			log.Println("ready: no actor for community", record.Id)
			continue
		}
		structure, kind := c.Connect(sess.uid, sess.device, sess)
		if kind != "" {
			return nil, types.ErrNotFound
		}
		sess.addCommunity(structure)
		communities = append(communities, *structure)
	}

	return &MsgClientReady{
		User:        sess.uid,
		Profile:     user.Profile(),
		Communities: communities,
	}, nil
}

// Invite landing page. The meta tags are read by the client before the
// vertex:// redirect fires.
var inviteTmpl = template.Must(template.New("invite").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="vertex:invite_code" content="{{.Code}}">
    <meta name="vertex:invite_name" content="{{.Name}}">
    <meta name="vertex:invite_description" content="{{.Description}}">
    <meta http-equiv="refresh" content="0; url=vertex://join/{{.Code}}">
    <title>Join {{.Name}} on Vertex</title>
</head>
<body>
    <p>You have been invited to <b>{{.Name}}</b>.
    <a href="vertex://join/{{.Code}}">Open in Vertex</a></p>
</body>
</html>
`))

func serveInvite(wrt http.ResponseWriter, req *http.Request) {
	code := strings.TrimPrefix(req.URL.Path, "/vertex/invite/")
	if code == "" || strings.Contains(code, "/") {
		http.NotFound(wrt, req)
		return
	}

	invite, err := store.InviteCodes.Get(code)
	if err != nil {
		log.Println("invite:", err)
		http.Error(wrt, "internal error", http.StatusInternalServerError)
		return
	}
	if invite == nil {
		http.NotFound(wrt, req)
		return
	}

	community, err := store.Communities.Get(invite.Community)
	if err != nil || community == nil {
		log.Println("invite: community:", err)
		http.NotFound(wrt, req)
		return
	}

	wrt.Header().Set("Content-Type", "text/html; charset=utf-8")
	inviteTmpl.Execute(wrt, struct {
		Code, Name, Description string
	}{invite.Code, community.Name, community.Description})
}
