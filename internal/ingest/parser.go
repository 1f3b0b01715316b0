package ingest

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

var (
	// ErrMalformedMessage 表示连邮件头都无法解析。
	// 这类事务重试也不会成功，适配层应当返回永久失败。
	ErrMalformedMessage = errors.New("malformed message")
)

// DefaultSubject 缺失主题时使用的占位值。
const DefaultSubject = "(No Subject)"

// ParsedMail 一次事务解析出的结构化内容。
//
// Body 是首个 text/plain 部分的解码结果；多段邮件没有纯文本部分时
// Body 为空字符串，这是合法结果而不是错误。Raw 按宽容策略解码，
// 无效字节被替换，永不丢弃整体内容。
type ParsedMail struct {
	Subject string
	From    string
	Body    string
	Raw     string
	Size    int64
}

// Parse 把一次事务的原始字节解析为结构化邮件。
//
// 纯转换，无副作用。只有头部块完全不可读时才返回 ErrMalformedMessage；
// 正文缺失、编码损坏一律降级处理而不报错。
func Parse(raw []byte) (*ParsedMail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	subject := decodeHeader(msg.Header.Get("Subject"))
	if subject == "" {
		subject = DefaultSubject
	}

	parsed := &ParsedMail{
		Subject: subject,
		From:    decodeHeader(msg.Header.Get("From")),
		Raw:     toValidText(raw),
		Size:    int64(len(raw)),
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 或解析失败，整个正文按纯文本处理
		parsed.Body = decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), "")
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary != "" {
			mr := multipart.NewReader(msg.Body, boundary)
			parsed.Body = firstPlainTextPart(mr)
		}
		return parsed, nil
	}

	// 单段邮件：不论声明类型，正文即 Body
	parsed.Body = decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	return parsed, nil
}

// firstPlainTextPart 按顺序扫描各部分，返回第一个 text/plain 的解码内容。
//
// 嵌套的 multipart 会被递归展开；找不到纯文本部分时返回空串。
func firstPlainTextPart(mr *multipart.Reader) string {
	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF 或损坏的分段都视为扫描结束
			return ""
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if body := firstPlainTextPart(multipart.NewReader(part, boundary)); body != "" {
					return body
				}
			}
			continue
		}

		if strings.HasPrefix(mediaType, "text/plain") {
			return decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		}
	}
}

// decodeBody 按传输编码与字符集宽容地解码正文。
//
// 任何解码失败都退回到已读出的原始字节，绝不向上抛错。
func decodeBody(reader io.Reader, transferEncoding string, charset string) string {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	plain, err := io.ReadAll(reader)
	if err != nil && len(plain) == 0 {
		return ""
	}

	body := plain
	switch transferEncoding {
	case "base64":
		if decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(plain))); err == nil {
			body = decoded
		}
	case "quoted-printable":
		if decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(plain))); err == nil {
			body = decoded
		}
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
				body = converted
			}
		}
	}

	return toValidText(body)
}

// charsetEncoding 根据字符集名称返回解码器
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "shift_jis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

// toValidText 把字节序列转成合法 UTF-8，无效序列以替换符代替。
func toValidText(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// decodeHeader 解码 RFC 2047 编码的头部值，失败时原样返回。
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
