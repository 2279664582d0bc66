// Package inventory bootstraps the target-host directory from a YAML file.
// How servers are otherwise created or edited is outside the execution core;
// this loader exists so a deployment can declare its fleet declaratively.
package inventory

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub002/internal/database"
	"github.com/minhtuancn/server-monitor-sub002/internal/logutil"
	"github.com/minhtuancn/server-monitor-sub002/internal/vault"
)

// File is the YAML document shape.
type File struct {
	Servers []Entry `yaml:"servers"`
}

// Entry declares one server descriptor. At most one credential source
// should be set; plaintext passwords are sealed before they touch the
// database and never stored as given.
type Entry struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	CredentialID string `yaml:"credential_id"`
	KeyFilePath  string `yaml:"key_file_path"`
	Password     string `yaml:"password"`
}

// Load reads the inventory file and upserts each entry by name. Returns the
// number of servers applied.
func Load(db *gorm.DB, v *vault.Vault, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read inventory: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse inventory: %w", err)
	}

	applied := 0
	for _, e := range f.Servers {
		if e.Name == "" || e.Host == "" || e.Username == "" {
			log.Printf("[inventory] skipping entry with missing name/host/username")
			continue
		}
		if e.Port <= 0 {
			e.Port = 22
		}

		srv := database.Server{
			Name:        e.Name,
			Host:        e.Host,
			Port:        e.Port,
			Username:    e.Username,
			KeyFilePath: e.KeyFilePath,
		}
		if e.CredentialID != "" {
			id := e.CredentialID
			srv.CredentialID = &id
		}
		if e.Password != "" {
			sealed, err := v.SealString(e.Password)
			if err != nil {
				return applied, fmt.Errorf("seal password for %s: %w", e.Name, err)
			}
			srv.EncryptedPassword = sealed
		}

		if err := db.Where("name = ?", e.Name).
			Assign(srv).
			FirstOrCreate(&database.Server{}).Error; err != nil {
			return applied, fmt.Errorf("upsert server %s: %w", logutil.SanitizeForLog(e.Name), err)
		}
		applied++
	}

	log.Printf("[inventory] applied %d server(s) from %s", applied, path)
	return applied, nil
}
