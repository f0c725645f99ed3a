package pgbackend

import "strings"

// connParams holds the parsed fields of a libpq-style key=value connInfo
// string, e.g. "host=localhost port=5432 user=app password=s3cr3t dbname=app".
type connParams struct {
	host     string
	port     string
	user     string
	password string
	dbname   string
}

func parseConnInfo(connInfo string) connParams {
	p := connParams{host: "localhost", port: "5432"}
	for _, field := range strings.Fields(connInfo) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "host":
			p.host = kv[1]
		case "port":
			p.port = kv[1]
		case "user":
			p.user = kv[1]
		case "password":
			p.password = kv[1]
		case "dbname":
			p.dbname = kv[1]
		}
	}
	return p
}

func (p connParams) addr() string {
	return p.host + ":" + p.port
}
