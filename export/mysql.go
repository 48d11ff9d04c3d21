package export

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLOptions are the connection parameters of a MySQL server.
type MySQLOptions struct {
	Server       string
	User         string
	PasswordFile string
	DBName       string
}

// DSN reads the password file and formats the data source name.
func (o MySQLOptions) DSN() (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = o.User
	cfg.Net = "tcp"
	cfg.Addr = o.Server
	cfg.DBName = o.DBName
	if o.PasswordFile != "" {
		pass, err := os.ReadFile(o.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("unable to read MySQL password file %q: %w", o.PasswordFile, err)
		}
		cfg.Passwd = strings.TrimSpace(string(pass))
	}
	return cfg.FormatDSN(), nil
}

// OpenMySQL opens a pooled connection to the server.
func OpenMySQL(o MySQLOptions) (*sql.DB, error) {
	dsn, err := o.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open MySQL DB %q: %w", o.Server, err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return db, nil
}
