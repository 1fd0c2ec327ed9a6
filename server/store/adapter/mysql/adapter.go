// Package mysql is a database adapter for MySQL/MariaDB.
package mysql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store"
	"github.com/vertex-im/vertex/server/store/adapter"
	t "github.com/vertex-im/vertex/server/store/types"
)

// adapter holds MySQL connection data.
type mysqlAdapter struct {
	db     *sqlx.DB
	dsn    string
	dbName string
}

const (
	adapterName = "mysql"

	defaultDSN      = "root@tcp(localhost:3306)/vertex?parseTime=true"
	defaultDatabase = "vertex"

	mysqlErrDuplicateEntry  = 1062
	mysqlErrFKViolation     = 1452
	mysqlErrUnknownDatabase = 1049
)

// Open initializes the database connection.
func (a *mysqlAdapter) Open(jsonconfig string) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var err error
	var config struct {
		DSN      string `json:"dsn,omitempty"`
		Database string `json:"database,omitempty"`
	}

	if jsonconfig != "" {
		if err = json.Unmarshal([]byte(jsonconfig), &config); err != nil {
			return errors.New("mysql adapter failed to parse config: " + err.Error())
		}
	}

	a.dsn = config.DSN
	if a.dsn == "" {
		a.dsn = defaultDSN
	}
	a.dbName = config.Database
	if a.dbName == "" {
		if cfg, err := mysql.ParseDSN(a.dsn); err == nil && cfg.DBName != "" {
			a.dbName = cfg.DBName
		} else {
			a.dbName = defaultDatabase
		}
	}

	// sqlx.Open does not touch the network; force a round trip so a bad DSN
	// fails at boot, not on the first query.
	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}
	err = a.db.Ping()
	if myerr, ok := err.(*mysql.MySQLError); ok && myerr.Number == mysqlErrUnknownDatabase {
		// First run: the schema does not exist yet. Reconnect without a
		// default schema so CreateDb can make it.
		a.db.Close()
		cfg, perr := mysql.ParseDSN(a.dsn)
		if perr != nil {
			return perr
		}
		cfg.DBName = ""
		if a.db, perr = sqlx.Open("mysql", cfg.FormatDSN()); perr != nil {
			return perr
		}
		return a.db.Ping()
	}
	return err
}

// Close closes the underlying database connection.
func (a *mysqlAdapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
	}
	return err
}

// IsOpen returns true if the adapter is ready for use.
func (a *mysqlAdapter) IsOpen() bool {
	return a.db != nil
}

// GetName returns the name of this adapter.
func (a *mysqlAdapter) GetName() string {
	return adapterName
}

// CreateDb creates the schema, optionally dropping it first.
func (a *mysqlAdapter) CreateDb(reset bool) error {
	if reset {
		if _, err := a.db.Exec("DROP DATABASE IF EXISTS " + a.dbName); err != nil {
			return err
		}
	}
	if _, err := a.db.Exec("CREATE DATABASE IF NOT EXISTS " + a.dbName +
		" CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}

	// Reconnect on the full DSN so every pooled connection defaults to the
	// schema that was just created.
	a.db.Close()
	db, err := sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}
	if err = db.Ping(); err != nil {
		return err
	}
	a.db = db

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users(
			id                  CHAR(36) PRIMARY KEY,
			username            VARCHAR(192) NOT NULL,
			display_name        VARCHAR(192) NOT NULL,
			profile_version     INT UNSIGNED NOT NULL DEFAULT 0,
			password_hash       VARCHAR(255) NOT NULL,
			hash_scheme_version SMALLINT NOT NULL,
			compromised         BOOLEAN NOT NULL DEFAULT FALSE,
			locked              BOOLEAN NOT NULL DEFAULT FALSE,
			banned              BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE INDEX users_username(username)
		)`,

		`CREATE TABLE IF NOT EXISTS login_tokens(
			device              CHAR(36) PRIMARY KEY,
			device_name         VARCHAR(192),
			token_hash          VARCHAR(64) NOT NULL,
			hash_scheme_version SMALLINT NOT NULL,
			user_id             CHAR(36) NOT NULL,
			last_used           DATETIME(3) NOT NULL,
			expiration_date     DATETIME(3),
			permission_flags    BIGINT UNSIGNED NOT NULL,
			INDEX login_tokens_user_id(user_id),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS administrators(
			user_id          CHAR(36) PRIMARY KEY,
			permission_flags BIGINT UNSIGNED NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS communities(
			id          CHAR(36) PRIMARY KEY,
			name        VARCHAR(192) NOT NULL,
			description TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS community_membership(
			community CHAR(36) NOT NULL,
			user_id   CHAR(36) NOT NULL,
			PRIMARY KEY(community, user_id),
			FOREIGN KEY(community) REFERENCES communities(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS rooms(
			id        CHAR(36) PRIMARY KEY,
			community CHAR(36) NOT NULL,
			name      VARCHAR(192) NOT NULL,
			FOREIGN KEY(community) REFERENCES communities(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS messages(
			id        BIGINT UNSIGNED PRIMARY KEY,
			community CHAR(36) NOT NULL,
			room      CHAR(36) NOT NULL,
			author    CHAR(36) NOT NULL,
			sent_at   DATETIME(3) NOT NULL,
			content   TEXT NOT NULL,
			edited    BOOLEAN NOT NULL DEFAULT FALSE,
			INDEX messages_community_room_id(community, room, id),
			FOREIGN KEY(room) REFERENCES rooms(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS user_room_states(
			user_id           CHAR(36) NOT NULL,
			room              CHAR(36) NOT NULL,
			watch_level       SMALLINT NOT NULL DEFAULT 0,
			last_read_message BIGINT UNSIGNED,
			PRIMARY KEY(user_id, room),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(room) REFERENCES rooms(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS invite_codes(
			code            VARCHAR(11) PRIMARY KEY,
			community       CHAR(36) NOT NULL,
			expiration_date DATETIME(3),
			INDEX invite_codes_community(community),
			FOREIGN KEY(community) REFERENCES communities(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS message_reports(
			id          BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
			reporter    CHAR(36) NOT NULL,
			message_id  BIGINT UNSIGNED NOT NULL,
			reason      TEXT,
			reported_at DATETIME(3) NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := a.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	if myerr, ok := err.(*mysql.MySQLError); ok {
		return myerr.Number == mysqlErrDuplicateEntry
	}
	return false
}

func isFKViolation(err error) bool {
	if myerr, ok := err.(*mysql.MySQLError); ok {
		return myerr.Number == mysqlErrFKViolation
	}
	return false
}

// Users

func (a *mysqlAdapter) UserCreate(user *t.User) error {
	_, err := a.db.Exec(
		`INSERT INTO users(id, username, display_name, profile_version, password_hash,
			hash_scheme_version, compromised, locked, banned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Id.String(), user.Username, user.DisplayName, user.ProfileVersion,
		user.PasswordHash, user.HashScheme, user.Compromised, user.Locked, user.Banned)
	if err != nil && isDuplicate(err) {
		return t.ErrDuplicate
	}
	return err
}

type userRow struct {
	Id             string `db:"id"`
	Username       string `db:"username"`
	DisplayName    string `db:"display_name"`
	ProfileVersion uint32 `db:"profile_version"`
	PasswordHash   string `db:"password_hash"`
	HashScheme     int16  `db:"hash_scheme_version"`
	Compromised    bool   `db:"compromised"`
	Locked         bool   `db:"locked"`
	Banned         bool   `db:"banned"`
}

func (r *userRow) user() (*t.User, error) {
	id, err := t.ParseUserId(r.Id)
	if err != nil {
		return nil, err
	}
	return &t.User{
		Id:             id,
		Username:       r.Username,
		DisplayName:    r.DisplayName,
		ProfileVersion: r.ProfileVersion,
		PasswordHash:   r.PasswordHash,
		HashScheme:     auth.HashSchemeVersion(r.HashScheme),
		Compromised:    r.Compromised,
		Locked:         r.Locked,
		Banned:         r.Banned,
	}, nil
}

func (a *mysqlAdapter) userBy(query string, arg interface{}) (*t.User, error) {
	var row userRow
	err := a.db.Get(&row, query, arg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.user()
}

func (a *mysqlAdapter) UserGet(id t.UserId) (*t.User, error) {
	return a.userBy("SELECT * FROM users WHERE id=?", id.String())
}

func (a *mysqlAdapter) UserGetByUsername(username string) (*t.User, error) {
	return a.userBy("SELECT * FROM users WHERE username=?", username)
}

func (a *mysqlAdapter) UserChangeUsername(id t.UserId, username string) error {
	res, err := a.db.Exec(
		"UPDATE users SET username=?, profile_version=profile_version+1 WHERE id=?",
		username, id.String())
	if err != nil {
		if isDuplicate(err) {
			return t.ErrDuplicate
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.ErrNotFound
	}
	return nil
}

func (a *mysqlAdapter) UserChangeDisplayName(id t.UserId, displayName string) error {
	res, err := a.db.Exec(
		"UPDATE users SET display_name=?, profile_version=profile_version+1 WHERE id=?",
		displayName, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.ErrNotFound
	}
	return nil
}

func (a *mysqlAdapter) UserChangePassword(id t.UserId, hash string, scheme auth.HashSchemeVersion) error {
	res, err := a.db.Exec(
		"UPDATE users SET password_hash=?, hash_scheme_version=?, compromised=FALSE WHERE id=?",
		hash, scheme, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.ErrNotFound
	}
	return nil
}

func (a *mysqlAdapter) UserSetBanned(id t.UserId, banned bool) error {
	res, err := a.db.Exec("UPDATE users SET banned=? WHERE id=?", banned, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.ErrNotFound
	}
	return nil
}

// Login tokens

func (a *mysqlAdapter) TokenCreate(token *t.Token) error {
	var deviceName sql.NullString
	if token.DeviceName != "" {
		deviceName = sql.NullString{String: token.DeviceName, Valid: true}
	}
	_, err := a.db.Exec(
		`INSERT INTO login_tokens(device, device_name, token_hash, hash_scheme_version,
			user_id, last_used, expiration_date, permission_flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.Device.String(), deviceName, token.TokenHash, token.HashScheme,
		token.User.String(), token.LastUsed, token.ExpirationDate, uint64(token.Permissions))
	if err != nil && isDuplicate(err) {
		return t.ErrDuplicate
	}
	return err
}

type tokenRow struct {
	Device         string         `db:"device"`
	DeviceName     sql.NullString `db:"device_name"`
	TokenHash      string         `db:"token_hash"`
	HashScheme     int16          `db:"hash_scheme_version"`
	UserId         string         `db:"user_id"`
	LastUsed       time.Time      `db:"last_used"`
	ExpirationDate *time.Time     `db:"expiration_date"`
	Permissions    uint64         `db:"permission_flags"`
}

func (r *tokenRow) token() (*t.Token, error) {
	device, err := t.ParseDeviceId(r.Device)
	if err != nil {
		return nil, err
	}
	user, err := t.ParseUserId(r.UserId)
	if err != nil {
		return nil, err
	}
	return &t.Token{
		Device:         device,
		User:           user,
		DeviceName:     r.DeviceName.String,
		TokenHash:      r.TokenHash,
		HashScheme:     auth.HashSchemeVersion(r.HashScheme),
		LastUsed:       r.LastUsed,
		ExpirationDate: r.ExpirationDate,
		Permissions:    auth.TokenPermissionFlags(r.Permissions),
	}, nil
}

func (a *mysqlAdapter) TokenGet(device t.DeviceId) (*t.Token, error) {
	var row tokenRow
	err := a.db.Get(&row, "SELECT * FROM login_tokens WHERE device=?", device.String())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.token()
}

func (a *mysqlAdapter) TokenDelete(device t.DeviceId) (bool, error) {
	res, err := a.db.Exec("DELETE FROM login_tokens WHERE device=?", device.String())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (a *mysqlAdapter) TokenRefresh(device t.DeviceId, when time.Time) (bool, error) {
	res, err := a.db.Exec("UPDATE login_tokens SET last_used=? WHERE device=?",
		when, device.String())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (a *mysqlAdapter) TokenDeleteForUser(user t.UserId, except t.DeviceId) ([]t.DeviceId, error) {
	var rows []string
	query := "SELECT device FROM login_tokens WHERE user_id=?"
	args := []interface{}{user.String()}
	if !except.IsZero() {
		query += " AND device<>?"
		args = append(args, except.String())
	}
	if err := a.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	devices := make([]t.DeviceId, 0, len(rows))
	for _, raw := range rows {
		device, err := t.ParseDeviceId(raw)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	del, args, err := sqlx.In("DELETE FROM login_tokens WHERE device IN (?)", rows)
	if err != nil {
		return nil, err
	}
	if _, err = a.db.Exec(del, args...); err != nil {
		return nil, err
	}
	return devices, nil
}

func (a *mysqlAdapter) TokenDeleteExpired(now time.Time, expiryDays int) ([]adapter.TokenOwner, error) {
	idleBefore := now.Add(-time.Duration(expiryDays) * 24 * time.Hour)

	var rows []struct {
		Device string `db:"device"`
		UserId string `db:"user_id"`
	}
	err := a.db.Select(&rows,
		"SELECT device, user_id FROM login_tokens WHERE expiration_date<? OR last_used<?",
		now, idleBefore)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	owners := make([]adapter.TokenOwner, 0, len(rows))
	devices := make([]string, 0, len(rows))
	for _, row := range rows {
		device, err := t.ParseDeviceId(row.Device)
		if err != nil {
			return nil, err
		}
		user, err := t.ParseUserId(row.UserId)
		if err != nil {
			return nil, err
		}
		owners = append(owners, adapter.TokenOwner{User: user, Device: device})
		devices = append(devices, row.Device)
	}

	del, args, err := sqlx.In("DELETE FROM login_tokens WHERE device IN (?)", devices)
	if err != nil {
		return nil, err
	}
	if _, err = a.db.Exec(del, args...); err != nil {
		return nil, err
	}
	return owners, nil
}

// Administrators

func (a *mysqlAdapter) AdminUpsert(user t.UserId, perms auth.AdminPermissionFlags) error {
	_, err := a.db.Exec(
		`INSERT INTO administrators(user_id, permission_flags) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE permission_flags=VALUES(permission_flags)`,
		user.String(), uint64(perms))
	if err != nil && isFKViolation(err) {
		return t.ErrNotFound
	}
	return err
}

func (a *mysqlAdapter) AdminDelete(user t.UserId) (bool, error) {
	res, err := a.db.Exec("DELETE FROM administrators WHERE user_id=?", user.String())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (a *mysqlAdapter) AdminGet(user t.UserId) (auth.AdminPermissionFlags, error) {
	var perms uint64
	err := a.db.Get(&perms,
		"SELECT permission_flags FROM administrators WHERE user_id=?", user.String())
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return auth.AdminPermissionFlags(perms), nil
}

// Communities and membership

type communityRow struct {
	Id          string         `db:"id"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
}

func (r *communityRow) community() (t.Community, error) {
	id, err := t.ParseCommunityId(r.Id)
	if err != nil {
		return t.Community{}, err
	}
	return t.Community{Id: id, Name: r.Name, Description: r.Description.String}, nil
}

func (a *mysqlAdapter) CommunityCreate(community *t.Community) error {
	var desc sql.NullString
	if community.Description != "" {
		desc = sql.NullString{String: community.Description, Valid: true}
	}
	_, err := a.db.Exec("INSERT INTO communities(id, name, description) VALUES (?, ?, ?)",
		community.Id.String(), community.Name, desc)
	return err
}

func (a *mysqlAdapter) CommunityGet(id t.CommunityId) (*t.Community, error) {
	var row communityRow
	err := a.db.Get(&row, "SELECT * FROM communities WHERE id=?", id.String())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	community, err := row.community()
	if err != nil {
		return nil, err
	}
	return &community, nil
}

func (a *mysqlAdapter) communityList(query string, args ...interface{}) ([]t.Community, error) {
	var rows []communityRow
	if err := a.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	communities := make([]t.Community, 0, len(rows))
	for i := range rows {
		community, err := rows[i].community()
		if err != nil {
			return nil, err
		}
		communities = append(communities, community)
	}
	return communities, nil
}

func (a *mysqlAdapter) CommunityGetAll() ([]t.Community, error) {
	return a.communityList("SELECT * FROM communities")
}

func (a *mysqlAdapter) MembershipCreate(community t.CommunityId, user t.UserId) error {
	_, err := a.db.Exec("INSERT INTO community_membership(community, user_id) VALUES (?, ?)",
		community.String(), user.String())
	if err != nil {
		if isDuplicate(err) {
			return t.ErrDuplicate
		}
		if isFKViolation(err) {
			return t.ErrNotFound
		}
	}
	return err
}

func (a *mysqlAdapter) MembershipExists(community t.CommunityId, user t.UserId) (bool, error) {
	var one int
	err := a.db.Get(&one,
		"SELECT 1 FROM community_membership WHERE community=? AND user_id=?",
		community.String(), user.String())
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *mysqlAdapter) CommunitiesForUser(user t.UserId) ([]t.Community, error) {
	return a.communityList(
		`SELECT c.id, c.name, c.description FROM communities AS c
			JOIN community_membership AS m ON m.community=c.id
			WHERE m.user_id=?`, user.String())
}

// Rooms

func (a *mysqlAdapter) RoomCreate(room *t.Room) error {
	_, err := a.db.Exec("INSERT INTO rooms(id, community, name) VALUES (?, ?, ?)",
		room.Id.String(), room.Community.String(), room.Name)
	if err != nil && isFKViolation(err) {
		return t.ErrNotFound
	}
	return err
}

type roomRow struct {
	Id        string `db:"id"`
	Community string `db:"community"`
	Name      string `db:"name"`
}

func (r *roomRow) room() (t.Room, error) {
	id, err := t.ParseRoomId(r.Id)
	if err != nil {
		return t.Room{}, err
	}
	community, err := t.ParseCommunityId(r.Community)
	if err != nil {
		return t.Room{}, err
	}
	return t.Room{Id: id, Community: community, Name: r.Name}, nil
}

func (a *mysqlAdapter) RoomGet(id t.RoomId) (*t.Room, error) {
	var row roomRow
	err := a.db.Get(&row, "SELECT * FROM rooms WHERE id=?", id.String())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	room, err := row.room()
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (a *mysqlAdapter) RoomsForCommunity(community t.CommunityId) ([]t.Room, error) {
	var rows []roomRow
	if err := a.db.Select(&rows, "SELECT * FROM rooms WHERE community=?",
		community.String()); err != nil {
		return nil, err
	}
	rooms := make([]t.Room, 0, len(rows))
	for i := range rows {
		room, err := rows[i].room()
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// Messages

func (a *mysqlAdapter) MessageSave(msg *t.Message) error {
	_, err := a.db.Exec(
		`INSERT INTO messages(id, community, room, author, sent_at, content, edited)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uint64(msg.Id), msg.Community.String(), msg.Room.String(), msg.Author.String(),
		msg.SentAt, msg.Content, msg.Edited)
	return err
}

type messageRow struct {
	Id        uint64    `db:"id"`
	Community string    `db:"community"`
	Room      string    `db:"room"`
	Author    string    `db:"author"`
	SentAt    time.Time `db:"sent_at"`
	Content   string    `db:"content"`
	Edited    bool      `db:"edited"`
}

func (r *messageRow) message() (t.Message, error) {
	community, err := t.ParseCommunityId(r.Community)
	if err != nil {
		return t.Message{}, err
	}
	room, err := t.ParseRoomId(r.Room)
	if err != nil {
		return t.Message{}, err
	}
	author, err := t.ParseUserId(r.Author)
	if err != nil {
		return t.Message{}, err
	}
	return t.Message{
		Id:        t.MessageId(r.Id),
		Community: community,
		Room:      room,
		Author:    author,
		SentAt:    r.SentAt,
		Content:   r.Content,
		Edited:    r.Edited,
	}, nil
}

func (a *mysqlAdapter) MessageGet(id t.MessageId) (*t.Message, error) {
	var row messageRow
	err := a.db.Get(&row, "SELECT * FROM messages WHERE id=?", uint64(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg, err := row.message()
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *mysqlAdapter) MessageUpdateContent(id t.MessageId, content string) (bool, error) {
	res, err := a.db.Exec("UPDATE messages SET content=?, edited=TRUE WHERE id=?",
		content, uint64(id))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (a *mysqlAdapter) MessageDelete(id t.MessageId) (bool, error) {
	res, err := a.db.Exec("DELETE FROM messages WHERE id=?", uint64(id))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (a *mysqlAdapter) messageList(query string, args ...interface{}) ([]t.Message, error) {
	var rows []messageRow
	if err := a.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	messages := make([]t.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].message()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// referenceExists verifies that a selector's reference message is present in
// the given room.
func (a *mysqlAdapter) referenceExists(community t.CommunityId, room t.RoomId, id t.MessageId) (bool, error) {
	var one int
	err := a.db.Get(&one, "SELECT 1 FROM messages WHERE id=? AND community=? AND room=?",
		uint64(id), community.String(), room.String())
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *mysqlAdapter) MessageGetSlice(community t.CommunityId, room t.RoomId,
	sel t.MessageSelector, count int) ([]t.Message, error) {

	if !sel.Valid() || count <= 0 {
		return nil, t.ErrInvalidSelector
	}

	var reference t.MessageId
	switch {
	case sel.Before != nil:
		reference = sel.Before.Id
	case sel.After != nil:
		reference = sel.After.Id
	default:
		reference = *sel.Around
	}
	if ok, err := a.referenceExists(community, room, reference); err != nil {
		return nil, err
	} else if !ok {
		return nil, t.ErrInvalidSelector
	}

	base := "SELECT * FROM messages WHERE community=? AND room=? AND id"
	args := []interface{}{community.String(), room.String()}

	switch {
	case sel.Before != nil:
		op := "<"
		if sel.Before.Inclusive {
			op = "<="
		}
		return a.messageList(base+op+"? ORDER BY id DESC LIMIT ?",
			append(args, uint64(sel.Before.Id), count)...)

	case sel.After != nil:
		op := ">"
		if sel.After.Inclusive {
			op = ">="
		}
		messages, err := a.messageList(base+op+"? ORDER BY id ASC LIMIT ?",
			append(args, uint64(sel.After.Id), count)...)
		if err != nil {
			return nil, err
		}
		// Newest to oldest, like the other arms.
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
		return messages, nil

	default:
		// Around: half the budget above the reference, the rest at and
		// below it.
		after := count / 2
		before := count - after

		newer, err := a.messageList(base+">? ORDER BY id ASC LIMIT ?",
			append(args, uint64(reference), after)...)
		if err != nil {
			return nil, err
		}
		older, err := a.messageList(
			"SELECT * FROM messages WHERE community=? AND room=? AND id<=? ORDER BY id DESC LIMIT ?",
			community.String(), room.String(), uint64(reference), before)
		if err != nil {
			return nil, err
		}

		for i, j := 0, len(newer)-1; i < j; i, j = i+1, j-1 {
			newer[i], newer[j] = newer[j], newer[i]
		}
		return append(newer, older...), nil
	}
}

func (a *mysqlAdapter) MessageNewest(community t.CommunityId, room t.RoomId) (t.MessageId, error) {
	var id sql.NullInt64
	err := a.db.Get(&id, "SELECT MAX(id) FROM messages WHERE community=? AND room=?",
		community.String(), room.String())
	if err != nil {
		return t.ZeroMessageId, err
	}
	if !id.Valid {
		return t.ZeroMessageId, nil
	}
	return t.MessageId(uint64(id.Int64)), nil
}

func (a *mysqlAdapter) MessageReport(reporter t.UserId, msg t.MessageId, reason string) error {
	_, err := a.db.Exec(
		"INSERT INTO message_reports(reporter, message_id, reason, reported_at) VALUES (?, ?, ?, ?)",
		reporter.String(), uint64(msg), reason, time.Now().UTC().Round(time.Millisecond))
	return err
}

// Per-(user, room) state

type roomStateRow struct {
	UserId   string        `db:"user_id"`
	Room     string        `db:"room"`
	Watch    int16         `db:"watch_level"`
	LastRead sql.NullInt64 `db:"last_read_message"`
}

func (r *roomStateRow) state() (t.UserRoomState, error) {
	user, err := t.ParseUserId(r.UserId)
	if err != nil {
		return t.UserRoomState{}, err
	}
	room, err := t.ParseRoomId(r.Room)
	if err != nil {
		return t.UserRoomState{}, err
	}
	state := t.UserRoomState{User: user, Room: room, Watch: t.WatchLevel(r.Watch)}
	if r.LastRead.Valid {
		state.LastRead = t.MessageId(uint64(r.LastRead.Int64))
	}
	return state, nil
}

func (a *mysqlAdapter) RoomStateGet(user t.UserId, room t.RoomId) (*t.UserRoomState, error) {
	var row roomStateRow
	err := a.db.Get(&row, "SELECT * FROM user_room_states WHERE user_id=? AND room=?",
		user.String(), room.String())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state, err := row.state()
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (a *mysqlAdapter) RoomStateSetLastRead(user t.UserId, room t.RoomId, mid t.MessageId) error {
	_, err := a.db.Exec(
		`INSERT INTO user_room_states(user_id, room, last_read_message) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE last_read_message=VALUES(last_read_message)`,
		user.String(), room.String(), uint64(mid))
	if err != nil && isFKViolation(err) {
		return t.ErrNotFound
	}
	return err
}

func (a *mysqlAdapter) RoomStateSetWatch(user t.UserId, room t.RoomId, level t.WatchLevel) error {
	_, err := a.db.Exec(
		`INSERT INTO user_room_states(user_id, room, watch_level) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE watch_level=VALUES(watch_level)`,
		user.String(), room.String(), int16(level))
	if err != nil && isFKViolation(err) {
		return t.ErrNotFound
	}
	return err
}

func (a *mysqlAdapter) RoomStatesForUser(user t.UserId, community t.CommunityId) ([]t.UserRoomState, error) {
	var rows []roomStateRow
	err := a.db.Select(&rows,
		`SELECT s.user_id, s.room, s.watch_level, s.last_read_message
			FROM user_room_states AS s JOIN rooms AS r ON r.id=s.room
			WHERE s.user_id=? AND r.community=?`,
		user.String(), community.String())
	if err != nil {
		return nil, err
	}
	states := make([]t.UserRoomState, 0, len(rows))
	for i := range rows {
		state, err := rows[i].state()
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// Invite codes

func (a *mysqlAdapter) InviteCreate(invite *t.InviteCode, max int) error {
	// Count-then-insert in one transaction so concurrent creates cannot
	// blow past the cap.
	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active int
	err = tx.Get(&active,
		"SELECT COUNT(*) FROM invite_codes WHERE community=? FOR UPDATE",
		invite.Community.String())
	if err != nil {
		return err
	}
	if active >= max {
		return t.ErrTooManyInviteCodes
	}

	_, err = tx.Exec(
		"INSERT INTO invite_codes(code, community, expiration_date) VALUES (?, ?, ?)",
		invite.Code, invite.Community.String(), invite.ExpirationDate)
	if err != nil {
		if isDuplicate(err) {
			return t.ErrDuplicate
		}
		if isFKViolation(err) {
			return t.ErrNotFound
		}
		return err
	}
	return tx.Commit()
}

func (a *mysqlAdapter) InviteGet(code string) (*t.InviteCode, error) {
	var row struct {
		Code           string     `db:"code"`
		Community      string     `db:"community"`
		ExpirationDate *time.Time `db:"expiration_date"`
	}
	err := a.db.Get(&row,
		"SELECT * FROM invite_codes WHERE code=? AND (expiration_date IS NULL OR expiration_date>=?)",
		code, time.Now().UTC())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	community, err := t.ParseCommunityId(row.Community)
	if err != nil {
		return nil, err
	}
	return &t.InviteCode{
		Code:           row.Code,
		Community:      community,
		ExpirationDate: row.ExpirationDate,
	}, nil
}

func (a *mysqlAdapter) InviteDeleteExpired(now time.Time) error {
	_, err := a.db.Exec("DELETE FROM invite_codes WHERE expiration_date<?", now)
	return err
}

func init() {
	store.RegisterAdapter(adapterName, &mysqlAdapter{})
}
