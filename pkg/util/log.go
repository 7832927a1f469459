package util

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// JWSToText renders a compact JWS for debug logs. Encrypted tokens only show their header.
func JWSToText(jwsData string) string {
	sb := strings.Builder{}
	parts := strings.Split(jwsData, ".")

	switch len(parts) {
	case 3:
		sb.WriteString("base64url(")
		sb.WriteString(tokenPartToText(parts[0]))
		sb.WriteString(").base64url(")
		sb.WriteString(tokenPartToText(parts[1]))
		sb.WriteString(").signature(")
		sb.WriteString(abbreviate(parts[2]))
		sb.WriteString(")\n")
	case 5:
		sb.WriteString("base64url(")
		sb.WriteString(tokenPartToText(parts[0]))
		sb.WriteString(").encrypted(")
		sb.WriteString(abbreviate(parts[3]))
		sb.WriteString(")\n")
	default:
		sb.WriteString("malformed(")
		sb.WriteString(abbreviate(jwsData))
		sb.WriteString(")\n")
	}
	return sb.String()
}

func abbreviate(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[0:10] + "..."
}

func tokenPartToText(s string) string {
	dataBytes, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err.Error()
	}
	dataMap := make(map[string]interface{})
	err = json.Unmarshal(dataBytes, &dataMap)
	if err != nil {
		return string(dataBytes)
	}

	jsonBytes, err := json.MarshalIndent(dataMap, "  ", "  ")
	if err != nil {
		return err.Error()
	}
	return string(jsonBytes)
}
