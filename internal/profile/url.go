package profile

import (
	"fmt"
	"net/url"
	"strconv"

	"stealthflow/internal/model"
)

// ParseURL converts a share link (vless://, trojan://, ss://) into a
// Profile. Credentials pass through untouched; the caller supplies name,
// priority and entry address before adding it to the store.
func ParseURL(raw string) (model.Profile, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return model.Profile{}, fmt.Errorf("parse share link: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return model.Profile{}, fmt.Errorf("share link missing host")
	}

	switch u.Scheme {
	case "vless":
		p := model.Profile{
			Kind:     model.KindVLESS,
			Server:   host,
			Port:     portOr(u, 443),
			UUID:     u.User.Username(),
			Security: u.Query().Get("security"),
			SNI:      u.Query().Get("sni"),
			Host:     u.Query().Get("host"),
			Path:     u.Query().Get("path"),
			Enabled:  true,
		}
		if p.UUID == "" {
			return model.Profile{}, fmt.Errorf("vless link missing uuid")
		}
		return p, nil
	case "trojan":
		p := model.Profile{
			Kind:     model.KindTrojan,
			Server:   host,
			Port:     portOr(u, 443),
			Password: u.User.Username(),
			SNI:      u.Query().Get("sni"),
			Host:     u.Query().Get("host"),
			Enabled:  true,
		}
		if p.Password == "" {
			return model.Profile{}, fmt.Errorf("trojan link missing password")
		}
		return p, nil
	case "ss":
		// ss://method:password@server:port
		password, _ := u.User.Password()
		p := model.Profile{
			Kind:     model.KindShadowsocks,
			Server:   host,
			Port:     portOr(u, 8388),
			Password: password,
			Security: u.User.Username(), // cipher method
			Enabled:  true,
		}
		if p.Password == "" {
			return model.Profile{}, fmt.Errorf("ss link missing password")
		}
		return p, nil
	default:
		return model.Profile{}, fmt.Errorf("unsupported share link scheme %q", u.Scheme)
	}
}

// FormatURL renders a profile back into a share link where the protocol
// has a well-known form.
func FormatURL(p model.Profile) (string, error) {
	switch p.Kind {
	case model.KindVLESS:
		q := url.Values{}
		setIf(q, "security", p.Security)
		setIf(q, "sni", p.SNI)
		setIf(q, "host", p.Host)
		setIf(q, "path", p.Path)
		return fmt.Sprintf("vless://%s@%s:%d?%s", p.UUID, p.Server, p.Port, q.Encode()), nil
	case model.KindTrojan:
		q := url.Values{}
		setIf(q, "sni", p.SNI)
		setIf(q, "host", p.Host)
		return fmt.Sprintf("trojan://%s@%s:%d?%s", p.Password, p.Server, p.Port, q.Encode()), nil
	default:
		return "", fmt.Errorf("no share link form for kind %q", p.Kind)
	}
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func portOr(u *url.URL, def int) int {
	if u.Port() == "" {
		return def
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		return def
	}
	return p
}
