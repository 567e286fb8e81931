package db

import (
	"database/sql"
	"time"
)

type User struct {
	Id           int          `db:"id" json:"id"`
	Name         string       `db:"name" json:"name"`
	Email        string       `db:"email" json:"email"`
	PasswordHash string       `db:"password_hash" json:"-"`
	CreatedOn    time.Time    `db:"created_on" json:"created_on"`
	LastLogin    sql.NullTime `db:"last_login" json:"last_login"`
}

type Attachment struct {
	Id           int          `db:"id" json:"id"`
	UserID       int          `db:"user_id" json:"user_id"`
	EmailFrom    string       `db:"email_from" json:"email_from"`
	Subject      string       `db:"subject" json:"subject"`
	DateReceived sql.NullTime `db:"date_received" json:"date_received"`
	Filename     string       `db:"filename" json:"filename"`
	Filepath     string       `db:"filepath" json:"-"`
	Filetype     string       `db:"filetype" json:"filetype"`
	Size         int64        `db:"size" json:"size"`
	CreatedOn    time.Time    `db:"created_on" json:"created_on"`
}

type TypeCount struct {
	Filetype string `db:"filetype" json:"filetype"`
	Count    int    `db:"count" json:"count"`
}

type DayCount struct {
	Day   time.Time `db:"day" json:"day"`
	Count int       `db:"count" json:"count"`
}

type BucketCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}
