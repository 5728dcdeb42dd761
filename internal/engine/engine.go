// Package engine renders configuration for the external proxy engine
// that terminates vless/trojan/shadowsocks transports. The controller
// talks to the engine only through its local SOCKS inbound.
package engine

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"stealthflow/internal/model"
)

// Config mirrors the engine's JSON configuration surface, limited to
// the pieces this controller produces.
type Config struct {
	Log       LogConfig  `json:"log"`
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
}

type LogConfig struct {
	Level string `json:"loglevel"`
}

type Inbound struct {
	Tag      string          `json:"tag"`
	Listen   string          `json:"listen"`
	Port     int             `json:"port"`
	Protocol string          `json:"protocol"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

type Outbound struct {
	Tag            string          `json:"tag"`
	Protocol       string          `json:"protocol"`
	Settings       json.RawMessage `json:"settings,omitempty"`
	StreamSettings *StreamSettings `json:"streamSettings,omitempty"`
}

type StreamSettings struct {
	Network     string       `json:"network,omitempty"`
	Security    string       `json:"security,omitempty"`
	TLSSettings *TLSSettings `json:"tlsSettings,omitempty"`
	WSSettings  *WSSettings  `json:"wsSettings,omitempty"`
}

type TLSSettings struct {
	ServerName string `json:"serverName,omitempty"`
}

type WSSettings struct {
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Render produces the engine config exposing p behind its SOCKS entry
// address. The profile's EntryAddr decides where the inbound listens.
func Render(p model.Profile) (Config, error) {
	host, portStr, err := net.SplitHostPort(p.EntryAddr)
	if err != nil {
		return Config{}, fmt.Errorf("profile %s entry address: %w", p.Name, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Config{}, fmt.Errorf("profile %s entry port: %w", p.Name, err)
	}

	outbound, err := renderOutbound(p)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Log: LogConfig{Level: "warning"},
		Inbounds: []Inbound{{
			Tag:      "socks-in",
			Listen:   host,
			Port:     port,
			Protocol: "socks",
			Settings: mustJSON(map[string]any{"udp": true}),
		}},
		Outbounds: []Outbound{
			outbound,
			{Tag: "direct", Protocol: "freedom"},
		},
	}, nil
}

func renderOutbound(p model.Profile) (Outbound, error) {
	switch p.Kind {
	case model.KindVLESS:
		if p.UUID == "" {
			return Outbound{}, fmt.Errorf("profile %s: vless requires uuid", p.Name)
		}
		settings := map[string]any{
			"vnext": []map[string]any{{
				"address": p.Server,
				"port":    p.Port,
				"users": []map[string]any{{
					"id":         p.UUID,
					"encryption": "none",
				}},
			}},
		}
		return Outbound{
			Tag:            "proxy",
			Protocol:       "vless",
			Settings:       mustJSON(settings),
			StreamSettings: renderStream(p),
		}, nil

	case model.KindTrojan:
		if p.Password == "" {
			return Outbound{}, fmt.Errorf("profile %s: trojan requires password", p.Name)
		}
		settings := map[string]any{
			"servers": []map[string]any{{
				"address":  p.Server,
				"port":     p.Port,
				"password": p.Password,
			}},
		}
		stream := renderStream(p)
		if stream == nil {
			// Trojan is TLS-native; the engine still wants it spelled out.
			stream = &StreamSettings{Security: "tls", TLSSettings: &TLSSettings{ServerName: p.SNI}}
		}
		return Outbound{
			Tag:            "proxy",
			Protocol:       "trojan",
			Settings:       mustJSON(settings),
			StreamSettings: stream,
		}, nil

	case model.KindShadowsocks:
		if p.Password == "" || p.Security == "" {
			return Outbound{}, fmt.Errorf("profile %s: shadowsocks requires method and password", p.Name)
		}
		settings := map[string]any{
			"servers": []map[string]any{{
				"address":  p.Server,
				"port":     p.Port,
				"method":   p.Security,
				"password": p.Password,
			}},
		}
		return Outbound{Tag: "proxy", Protocol: "shadowsocks", Settings: mustJSON(settings)}, nil

	case model.KindSocks5:
		settings := map[string]any{
			"servers": []map[string]any{{
				"address": p.Server,
				"port":    p.Port,
			}},
		}
		return Outbound{Tag: "proxy", Protocol: "socks", Settings: mustJSON(settings)}, nil

	default:
		return Outbound{}, fmt.Errorf("profile %s: no engine mapping for kind %q", p.Name, p.Kind)
	}
}

// renderStream maps the profile's transport hints; nil means engine
// defaults (plain TCP, no TLS).
func renderStream(p model.Profile) *StreamSettings {
	if p.Security == "" && p.Network == "" && p.SNI == "" && p.Path == "" && p.Host == "" {
		return nil
	}
	s := &StreamSettings{Network: p.Network, Security: p.Security}
	if p.Security == "tls" || p.SNI != "" {
		if s.Security == "" {
			s.Security = "tls"
		}
		s.TLSSettings = &TLSSettings{ServerName: p.SNI}
	}
	if p.Network == "ws" {
		ws := &WSSettings{Path: p.Path}
		if p.Host != "" {
			ws.Headers = map[string]string{"Host": p.Host}
		}
		s.WSSettings = ws
	}
	return s
}

// RenderJSON is Render marshalled for handoff to the engine process.
func RenderJSON(p model.Profile) ([]byte, error) {
	cfg, err := Render(p)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(cfg, "", "  ")
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
