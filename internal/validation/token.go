// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/url"
	"strings"
)

const maxTokenIDLength = 128

// NormalizeTokenID приводит строку, полученную со сканирующей поверхности,
// к идентификатору купона. Код на наклейке может быть напечатан как полный
// URL, поэтому берётся последний непустой сегмент пути, после чего снимается
// percent-кодирование.
func NormalizeTokenID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	if strings.Contains(s, "/") {
		parts := strings.Split(s, "/")
		s = ""
		for i := len(parts) - 1; i >= 0; i-- {
			if parts[i] != "" {
				s = parts[i]
				break
			}
		}
	}

	decoded, err := url.PathUnescape(s)
	if err != nil {
		return "", false
	}

	if !IsValidTokenID(decoded) {
		return "", false
	}

	return decoded, true
}

// IsValidTokenID проверяет синтаксис идентификатора купона.
func IsValidTokenID(id string) bool {
	if id == "" || len(id) > maxTokenIDLength {
		return false
	}

	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}

	return true
}

// IsValidPayoutRef проверяет синтаксис платёжного идентификатора получателя.
// Идентификатор должен содержать разделитель "@" с непустыми частями
// по обе стороны (формат UPI: name@provider).
func IsValidPayoutRef(ref string) bool {
	at := strings.Index(ref, "@")
	if at <= 0 || at == len(ref)-1 {
		return false
	}
	return !strings.ContainsAny(ref, " \t\r\n")
}
