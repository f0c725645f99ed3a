// Wire framing and the startup/authentication handshake, adapted from
// the teacher's internal/pool/pool.go authenticatePG — restructured
// around a wireConn helper instead of a PooledConn, since pgbackend has
// no tenant/pool concept of its own.
package pgbackend

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
)

// wireConn wraps a raw socket with the PostgreSQL frontend/backend
// message framing used during both authentication and query execution.
type wireConn struct {
	net.Conn
}

func (c *wireConn) writeMessage(msgType byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	_, err := c.Write(buf)
	return err
}

// untypedMessage is a startup-phase message that has no leading type
// byte (only the PostgreSQL StartupMessage itself).
func (c *wireConn) writeUntyped(payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(4+len(payload)))
	copy(buf[4:], payload)
	_, err := c.Write(buf)
	return err
}

type serverMessage struct {
	msgType byte
	payload []byte
}

func (c *wireConn) readMessage() (serverMessage, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(c, typeBuf); err != nil {
		return serverMessage{}, fmt.Errorf("reading message type: %w", err)
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c, lenBuf); err != nil {
		return serverMessage{}, fmt.Errorf("reading message length: %w", err)
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 0 || payloadLen > 1<<24 {
		return serverMessage{}, fmt.Errorf("invalid message length: %d", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c, payload); err != nil {
			return serverMessage{}, fmt.Errorf("reading payload: %w", err)
		}
	}
	return serverMessage{msgType: typeBuf[0], payload: payload}, nil
}

func (c *wireConn) writeSASLInitialResponse(mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)
	return c.writeMessage('p', payload)
}

func (c *wireConn) writeSASLResponse(data []byte) error {
	return c.writeMessage('p', data)
}

// readAuthMessage reads server messages until it sees an Authentication
// message ('R') of the expected subtype, returning its payload with the
// 4-byte auth type stripped.
func (c *wireConn) readAuthMessage(expectedAuthType uint32) ([]byte, error) {
	msg, err := c.readMessage()
	if err != nil {
		return nil, err
	}
	if msg.msgType == 'E' {
		return nil, fmt.Errorf("backend error during auth: %s", parseErrorMessage(msg.payload))
	}
	if msg.msgType != 'R' {
		return nil, fmt.Errorf("expected Authentication message ('R'), got '%c'", msg.msgType)
	}
	if len(msg.payload) < 4 {
		return nil, fmt.Errorf("authentication message too short")
	}
	authType := binary.BigEndian.Uint32(msg.payload[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}
	return msg.payload[4:], nil
}

// startupAndAuthenticate performs the PostgreSQL v3 startup message and
// authentication handshake, consuming messages up to and including the
// first ReadyForQuery. Returns the collected ParameterStatus values.
func startupAndAuthenticate(c *wireConn, p connParams) (map[string]string, error) {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16|0)
	body = append(body, ver...)

	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, p.user...)
	body = append(body, 0)

	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, p.dbname...)
	body = append(body, 0)

	body = append(body, 0)

	if err := c.writeUntyped(body); err != nil {
		return nil, fmt.Errorf("sending startup message: %w", err)
	}

	params := make(map[string]string)
	for {
		msg, err := c.readMessage()
		if err != nil {
			return nil, err
		}

		switch msg.msgType {
		case 'R':
			if len(msg.payload) < 4 {
				return nil, fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(msg.payload[:4])
			switch authType {
			case 0: // AuthenticationOk
				continue
			case 3: // cleartext password
				if err := c.writeMessage('p', append([]byte(p.password), 0)); err != nil {
					return nil, err
				}
			case 5: // MD5 password
				if len(msg.payload) < 8 {
					return nil, fmt.Errorf("MD5 auth message too short")
				}
				salt := msg.payload[4:8]
				md5Pass := computeMD5Password(p.user, p.password, salt)
				if err := c.writeMessage('p', append([]byte(md5Pass), 0)); err != nil {
					return nil, err
				}
			case 10: // SASL (SCRAM-SHA-256)
				if err := scramSHA256Auth(c, p.user, p.password, msg.payload[4:]); err != nil {
					return nil, fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return nil, fmt.Errorf("unsupported auth type: %d", authType)
			}

		case 'S': // ParameterStatus
			key, val := parseNullTerminatedPair(msg.payload)
			if key != "" {
				params[key] = val
			}

		case 'K': // BackendKeyData
			// Not tracked: this dialer never issues CancelRequest.

		case 'Z': // ReadyForQuery
			return params, nil

		case 'E':
			return nil, fmt.Errorf("backend error during auth: %s", parseErrorMessage(msg.payload))

		default:
			continue
		}
	}
}

func parseNullTerminatedPair(data []byte) (string, string) {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			key := string(data[:i])
			rest := data[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return "", ""
}

func parseErrorMessage(payload []byte) string {
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end
	}
	return "unknown error"
}

func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}
