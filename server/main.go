package main

/******************************************************************************
 *
 *  Description :
 *
 *    Server initialization and startup.
 *
 *****************************************************************************/

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/tinode/jsonco"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store"
	_ "github.com/vertex-im/vertex/server/store/adapter/mysql"
)

const (
	defaultListenAddr = "localhost:8080"

	defaultTokenExpiryDays            = 90
	defaultTokensSweepIntervalSecs    = 1800
	defaultInvitesSweepIntervalSecs   = 1800
	defaultMaxInviteCodesPerCommunity = 32
	defaultRatelimitBurstPerMin       = 120
	defaultHeartbeatIntervalMs        = 2000
)

type configType struct {
	LogLevel string `json:"log_level"`

	// Address to listen on, e.g. "0.0.0.0:8080".
	Listen string `json:"ip"`
	HTTPS  bool   `json:"https"`
	// Certificate and key, required when https is on.
	CertPath string `json:"cert_path"`
	KeyPath  string `json:"key_path"`

	TokenExpiryDays              int `json:"token_expiry_days"`
	TokensSweepIntervalSecs      int `json:"tokens_sweep_interval_secs"`
	InviteCodesSweepIntervalSecs int `json:"invite_codes_sweep_interval_secs"`
	MaxInviteCodesPerCommunity   int `json:"max_invite_codes_per_community"`

	RatelimitBurstPerMin int `json:"ratelimit_burst_per_min"`
	HeartbeatIntervalMs  int `json:"heartbeat_interval_ms"`

	// Passed to the store verbatim.
	Store json.RawMessage `json:"store_config"`
}

// globals is the process-wide server state.
var globals struct {
	hub          *Hub
	sessionStore *SessionStore
	ratelimiter  *RateLimiter
	federation   *FederationServer

	tokenExpiryDays            int
	maxInviteCodesPerCommunity int
	heartbeatInterval          time.Duration
}

func loadConfig(path string) *configType {
	file, err := os.Open(path)
	if err != nil {
		log.Fatal("Failed to read config file:", err)
	}
	defer file.Close()

	config := configType{
		Listen:                       defaultListenAddr,
		TokenExpiryDays:              defaultTokenExpiryDays,
		TokensSweepIntervalSecs:      defaultTokensSweepIntervalSecs,
		InviteCodesSweepIntervalSecs: defaultInvitesSweepIntervalSecs,
		MaxInviteCodesPerCommunity:   defaultMaxInviteCodesPerCommunity,
		RatelimitBurstPerMin:         defaultRatelimitBurstPerMin,
		HeartbeatIntervalMs:          defaultHeartbeatIntervalMs,
	}

	jr := jsonco.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			log.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
				jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			log.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		default:
			log.Fatal("Failed to parse config file:", err)
		}
	}
	return &config
}

// setAdmin handles the --add-admin / --remove-admin CLI surface. Exits the
// process.
func setAdmin(username string, promote bool) {
	username = auth.PrepareUsername(username)
	user, err := store.Users.GetByUsername(username)
	if err != nil {
		log.Fatal("Admin lookup failed:", err)
	}
	if user == nil {
		log.Fatalf("No such user '%s'", username)
	}

	if promote {
		if err = store.Admins.Upsert(user.Id, auth.AdminAll); err != nil {
			log.Fatal("Failed to promote admin:", err)
		}
		log.Printf("'%s' is now an administrator", username)
	} else {
		existed, err := store.Admins.Delete(user.Id)
		if err != nil {
			log.Fatal("Failed to demote admin:", err)
		}
		if !existed {
			log.Fatalf("'%s' is not an administrator", username)
		}
		log.Printf("'%s' is no longer an administrator", username)
	}
	os.Exit(0)
}

func main() {
	log.Printf("Vertex server starting")

	var configfile = flag.String("config", "./vertex.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on.")
	var addAdmin = flag.String("add-admin", "", "Grant all admin permissions to the user and exit.")
	var removeAdmin = flag.String("remove-admin", "", "Clear admin permissions of the user and exit.")
	flag.Parse()

	config := loadConfig(*configfile)
	if *listenOn != "" {
		config.Listen = *listenOn
	}

	if err := store.Open(1, string(config.Store)); err != nil {
		log.Fatal("Failed to connect to store:", err)
	}
	defer func() {
		store.Close()
		log.Println("Closed database connection(s)")
	}()

	if *addAdmin != "" {
		setAdmin(*addAdmin, true)
	}
	if *removeAdmin != "" {
		setAdmin(*removeAdmin, false)
	}

	globals.tokenExpiryDays = config.TokenExpiryDays
	globals.maxInviteCodesPerCommunity = config.MaxInviteCodesPerCommunity
	globals.heartbeatInterval = time.Duration(config.HeartbeatIntervalMs) * time.Millisecond

	globals.sessionStore = NewSessionStore()
	globals.ratelimiter = NewRateLimiter(config.RatelimitBurstPerMin)
	globals.federation = newFederationServer()

	globals.hub = newHub()
	if err := globals.hub.LoadAll(); err != nil {
		log.Fatal("Failed to load communities:", err)
	}

	go sweepTokensLoop(time.Duration(config.TokensSweepIntervalSecs)*time.Second,
		config.TokenExpiryDays)
	go sweepInviteCodesLoop(time.Duration(config.InviteCodesSweepIntervalSecs) * time.Second)

	// Real client addresses behind a reverse proxy. Compression is applied
	// per-route in setupMux: wrapping the websocket endpoint would hide
	// the hijacker from the upgrade.
	handler := handlers.ProxyHeaders(setupMux())

	var certFile, keyFile string
	if config.HTTPS {
		certFile = config.CertPath
		keyFile = config.KeyPath
		if certFile == "" || keyFile == "" {
			log.Fatal("https enabled but cert_path/key_path missing")
		}
	}

	log.Printf("Listening on %s", config.Listen)
	if err := listenAndServe(config.Listen, handler, certFile, keyFile, signalHandler()); err != nil {
		log.Fatal(err)
	}
	log.Println("All done, good bye")
}
