package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "VOICE_ICE_SERVERS_JSON"

	envStunURLs       = "VOICE_STUN_URLS"
	envTurnURLs       = "VOICE_TURN_URLS"
	envTurnUsername   = "VOICE_TURN_USERNAME"
	envTurnCredential = "VOICE_TURN_CREDENTIAL"
)

// parseICEServersFromValues resolves the ICE server list browser clients are
// handed at /webrtc/ice. The JSON form wins when set; otherwise the STUN/TURN
// convenience vars are assembled into one or two servers.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return iceServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

// ParseICEServersJSON decodes a JSON array of ICE server definitions. The
// `urls` field of each entry may be a single string or an array, matching
// what RTCPeerConnection accepts.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var defs []struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username,omitempty"`
		Credential string          `json:"credential,omitempty"`
	}
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(defs))
	for i, def := range defs {
		urls, err := decodeURLList(def.URLs)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d].urls: %w", i, err)
		}

		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(def.Username),
		}
		if cred := strings.TrimSpace(def.Credential); cred != "" {
			server.Credential = def.Credential
		}

		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func decodeURLList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, errors.New("must be a string or an array of strings")
		}
		urls = []string{single}
	}

	out := urls[:0]
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

func iceServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	turn := splitCommaSeparated(turnURLs)
	if len(turn) == 0 {
		return servers, nil
	}

	user := strings.TrimSpace(turnUsername)
	cred := strings.TrimSpace(turnCredential)
	if user == "" || cred == "" {
		return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
	}

	server := webrtc.ICEServer{
		URLs:       turn,
		Username:   user,
		Credential: cred,
	}
	if err := validateICEServer(server); err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, server), nil
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			return errors.New("urls must not contain empty entries")
		}
		scheme, _, ok := strings.Cut(url, ":")
		if !ok {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if needsCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}
