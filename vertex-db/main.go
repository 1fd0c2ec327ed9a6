// A tool to initialize the Vertex database: create the schema and optionally
// fill it with sample data for development.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/tinode/jsonco"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store"
	_ "github.com/vertex-im/vertex/server/store/adapter/mysql"
	"github.com/vertex-im/vertex/server/store/types"
)

type configType struct {
	StoreConfig json.RawMessage `json:"store_config"`
}

/*
User object in data.json

	{"username": "alice", "displayName": "Alice Johnson", "password": "alice123", "admin": true}
*/
type User struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
	Admin       bool   `json:"admin"`
}

/*
Community object in data.json

	{"name": "Flowers", "description": "Let's talk about flowers",
	 "members": ["alice", "bob"], "rooms": ["general", "tulips"]}
*/
type Community struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
	Rooms       []string `json:"rooms"`
}

/*
Message object in data.json

	{"community": "Flowers", "room": "general", "author": "bob", "content": "hello!"}
*/
type Message struct {
	Community string `json:"community"`
	Room      string `json:"room"`
	Author    string `json:"author"`
	Content   string `json:"content"`
}

type Data struct {
	Users       []User      `json:"users"`
	Communities []Community `json:"communities"`
	Messages    []Message   `json:"messages"`
}

func main() {
	var reset = flag.Bool("reset", false, "Drop the existing database and recreate it.")
	var datafile = flag.String("data", "", "Path to sample data to load.")
	var conffile = flag.String("config", "./vertex.conf", "Path to config file.")
	flag.Parse()

	file, err := os.Open(*conffile)
	if err != nil {
		log.Fatal("Failed to read config file:", err)
	}
	var config configType
	if err = json.NewDecoder(jsonco.New(file)).Decode(&config); err != nil {
		log.Fatal("Failed to parse config file:", err)
	}
	file.Close()

	if err = store.Open(1, string(config.StoreConfig)); err != nil {
		log.Fatal("Failed to connect to store:", err)
	}
	defer store.Close()

	if err = store.CreateDb(*reset); err != nil {
		log.Fatal("Failed to create database:", err)
	}
	log.Println("Database schema ready")

	if *datafile == "" {
		return
	}

	raw, err := os.Open(*datafile)
	if err != nil {
		log.Fatal("Failed to read sample data:", err)
	}
	var data Data
	if err = json.NewDecoder(jsonco.New(raw)).Decode(&data); err != nil {
		log.Fatal("Failed to parse sample data:", err)
	}
	raw.Close()

	genDb(&data)
}

func genDb(data *Data) {
	users := make(map[string]types.UserId, len(data.Users))
	for _, u := range data.Users {
		username := auth.PrepareUsername(u.Username)
		if username == "" {
			log.Fatalf("Invalid username '%s'", u.Username)
		}
		hash, scheme, err := auth.HashPassword(u.Password)
		if err != nil {
			log.Fatal("Failed to hash password:", err)
		}
		displayName := u.DisplayName
		if displayName == "" {
			displayName = username
		}
		user := &types.User{
			Username:     username,
			DisplayName:  displayName,
			PasswordHash: hash,
			HashScheme:   scheme,
		}
		if err = store.Users.Create(user); err != nil {
			log.Fatalf("Failed to create user '%s': %v", username, err)
		}
		users[username] = user.Id

		if u.Admin {
			if err = store.Admins.Upsert(user.Id, auth.AdminAll); err != nil {
				log.Fatalf("Failed to promote '%s': %v", username, err)
			}
		}
		log.Println("Created user", username)
	}

	rooms := make(map[string]map[string]*types.Room, len(data.Communities))
	communities := make(map[string]types.CommunityId, len(data.Communities))
	for _, c := range data.Communities {
		record := &types.Community{Name: c.Name, Description: c.Description}
		if err := store.Communities.Create(record); err != nil {
			log.Fatalf("Failed to create community '%s': %v", c.Name, err)
		}
		communities[c.Name] = record.Id

		for _, member := range c.Members {
			uid, ok := users[member]
			if !ok {
				log.Fatalf("Community '%s': unknown member '%s'", c.Name, member)
			}
			if err := store.Communities.AddMember(record.Id, uid); err != nil {
				log.Fatalf("Failed to add '%s' to '%s': %v", member, c.Name, err)
			}
		}

		byName := make(map[string]*types.Room, len(c.Rooms))
		for _, name := range c.Rooms {
			room := &types.Room{Community: record.Id, Name: name}
			if err := store.Rooms.Create(room); err != nil {
				log.Fatalf("Failed to create room '%s': %v", name, err)
			}
			byName[name] = room
		}
		rooms[c.Name] = byName
		log.Println("Created community", c.Name)
	}

	for _, m := range data.Messages {
		author, ok := users[m.Author]
		if !ok {
			log.Fatalf("Message by unknown author '%s'", m.Author)
		}
		room := rooms[m.Community][m.Room]
		if room == nil {
			log.Fatalf("Message to unknown room '%s/%s'", m.Community, m.Room)
		}
		msg := &types.Message{
			Community: communities[m.Community],
			Room:      room.Id,
			Author:    author,
			Content:   m.Content,
		}
		if err := store.Messages.Save(msg); err != nil {
			log.Fatal("Failed to save message:", err)
		}
	}
	if len(data.Messages) > 0 {
		log.Println("Inserted", len(data.Messages), "messages")
	}
}
