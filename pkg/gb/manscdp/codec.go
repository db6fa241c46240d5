package manscdp

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"gb28181-gateway/pkg/errors"
)

// Devices declare GB2312 but commonly emit GBK/GB18030 byte sequences;
// GB18030 is the superset that decodes all of them.
const xmlProlog = `<?xml version="1.0" encoding="GB2312"?>` + "\r\n"

// Encode marshals a MANSCDP command and transcodes it to the legacy charset
// with the GB2312 XML prologue devices expect.
func Encode(v interface{}) ([]byte, error) {
	body, err := xml.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal MANSCDP body")
	}
	encoded, _, err := transform.Bytes(simplifiedchinese.GBK.NewEncoder(), append([]byte(xmlProlog), body...))
	if err != nil {
		return nil, errors.Wrap(err, "transcode MANSCDP body to GBK")
	}
	return encoded, nil
}

// Decode unmarshals a MANSCDP body into v, honoring its declared charset
func Decode(body []byte, v interface{}) error {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = charsetReader
	if err := decoder.Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalidMANSCDP, err.Error())
	}
	return nil
}

// Peek extracts the envelope category (root element) and CmdType of a
// MANSCDP body without fully decoding it, for dispatch-table lookup.
func Peek(body []byte) (category, cmdType string, err error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = charsetReader

	depth := 0
	inCmdType := false
	for {
		token, tokenErr := decoder.Token()
		if tokenErr == io.EOF {
			break
		}
		if tokenErr != nil {
			return "", "", errors.Wrap(errors.ErrInvalidMANSCDP, tokenErr.Error())
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				category = t.Name.Local
			} else if depth == 2 && t.Name.Local == "CmdType" {
				inCmdType = true
			}
		case xml.EndElement:
			depth--
			inCmdType = false
		case xml.CharData:
			if inCmdType {
				cmdType = strings.TrimSpace(string(t))
				return category, cmdType, nil
			}
		}
	}
	if category == "" {
		return "", "", errors.Wrap(errors.ErrInvalidMANSCDP, "no root element")
	}
	return category, cmdType, nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "gb2312", "gbk", "gb18030":
		return transform.NewReader(input, simplifiedchinese.GB18030.NewDecoder()), nil
	case "utf-8", "":
		return input, nil
	default:
		return nil, errors.New("unsupported charset").WithField("charset", charset)
	}
}
