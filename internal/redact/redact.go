// Package redact turns stored records into display-safe views. Fields are
// classified with a `redact` struct tag and masked by class.
package redact

import (
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Field classes accepted in `redact:"..."` tags.
const (
	ClassPhone  = "phone"
	ClassEmail  = "email"
	ClassName   = "name"
	ClassID     = "id"
	ClassBlob   = "blob"
	ClassSecret = "secret"
)

const blobPrefix = "b64:"

// Phone keeps the last four digits and stars the rest. Numbers with fewer
// than five digits are fully hidden.
func Phone(s string) string {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) < 5 {
		return "****"
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}

// Email keeps the first character of the local part and the domain.
func Email(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndex(s, "@")
	if at < 1 || at == len(s)-1 {
		return "***"
	}
	first, _ := utf8.DecodeRuneInString(s)
	return string(first) + "***@" + s[at+1:]
}

// Name reduces a full name to dotted initials: "Ada Lovelace" -> "A.L.".
func Name(s string) string {
	var b strings.Builder
	for _, word := range strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '.'
	}) {
		r, _ := utf8.DecodeRuneInString(word)
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		b.WriteByte('.')
	}
	return b.String()
}

// ID shortens an opaque identifier to its first eight characters.
func ID(s string) string {
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) > 8 {
		runes = runes[:8]
	}
	return string(runes) + "..."
}

// Blob wraps free text in a base64 envelope.
func Blob(s string) string {
	if s == "" {
		return ""
	}
	return blobPrefix + base64.StdEncoding.EncodeToString([]byte(s))
}

var ErrNotBlob = errors.New("value is not a b64 envelope")

// Unblob reverses Blob.
func Unblob(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if !strings.HasPrefix(s, blobPrefix) {
		return "", ErrNotBlob
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, blobPrefix))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func maskString(class, s string) string {
	switch class {
	case ClassPhone:
		return Phone(s)
	case ClassEmail:
		return Email(s)
	case ClassName:
		return Name(s)
	case ClassID:
		return ID(s)
	case ClassBlob:
		return Blob(s)
	case ClassSecret:
		return ""
	}
	return s
}

// View returns a deep copy of v with every tagged string field masked by its
// class. Untagged fields are copied unchanged. Tags apply through pointers,
// slices, maps and interfaces, so `redact:"phone"` on a []string masks each
// element. v itself is never modified.
func View[T any](v T) T {
	src := reflect.ValueOf(&v).Elem()
	dst := reflect.New(src.Type()).Elem()
	copyMasked(dst, src, "")
	return dst.Interface().(T)
}

func copyMasked(dst, src reflect.Value, class string) {
	if class == ClassSecret {
		dst.Set(reflect.Zero(dst.Type()))
		return
	}
	switch src.Kind() {
	case reflect.String:
		dst.SetString(maskString(class, src.String()))
	case reflect.Struct:
		dst.Set(src)
		t := src.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			copyMasked(dst.Field(i), src.Field(i), f.Tag.Get("redact"))
		}
	case reflect.Pointer:
		if src.IsNil() {
			dst.Set(src)
			return
		}
		n := reflect.New(src.Type().Elem())
		copyMasked(n.Elem(), src.Elem(), class)
		dst.Set(n)
	case reflect.Slice:
		if src.IsNil() {
			dst.Set(src)
			return
		}
		n := reflect.MakeSlice(src.Type(), src.Len(), src.Len())
		for i := 0; i < src.Len(); i++ {
			copyMasked(n.Index(i), src.Index(i), class)
		}
		dst.Set(n)
	case reflect.Array:
		for i := 0; i < src.Len(); i++ {
			copyMasked(dst.Index(i), src.Index(i), class)
		}
	case reflect.Map:
		if src.IsNil() {
			dst.Set(src)
			return
		}
		n := reflect.MakeMapWithSize(src.Type(), src.Len())
		iter := src.MapRange()
		for iter.Next() {
			val := reflect.New(src.Type().Elem()).Elem()
			copyMasked(val, iter.Value(), class)
			n.SetMapIndex(iter.Key(), val)
		}
		dst.Set(n)
	case reflect.Interface:
		if src.IsNil() {
			dst.Set(src)
			return
		}
		inner := src.Elem()
		tmp := reflect.New(inner.Type()).Elem()
		copyMasked(tmp, inner, class)
		dst.Set(tmp)
	default:
		dst.Set(src)
	}
}
