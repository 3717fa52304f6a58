package direct

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
)

func init() {
	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES256CBC
}

const (
	signedDataType    = `application/pkcs7-mime; smime-type=signed-data; name="smime.p7m"`
	envelopedDataType = `application/pkcs7-mime; smime-type=enveloped-data; name="smime.p7m"`
)

func parseCertificate(pemCert string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemCert))
	if block == nil {
		return nil, errors.New("certificate is not PEM encoded")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parsePrivateKey(pemKey string) (crypto.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if _, ok := k.(*rsa.PrivateKey); !ok {
		return nil, fmt.Errorf("direct requires an RSA key, got %T", k)
	}
	return k, nil
}

// usableCert parses pemCert and rejects certificates outside their
// validity window at now.
func usableCert(pemCert string, now time.Time) (*x509.Certificate, error) {
	cert, err := parseCertificate(pemCert)
	if err != nil {
		return nil, err
	}
	if now.After(cert.NotAfter) {
		return nil, fmt.Errorf("certificate %s expired at %s", cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339))
	}
	if now.Before(cert.NotBefore) {
		return nil, fmt.Errorf("certificate %s is not valid before %s", cert.Subject.CommonName, cert.NotBefore.Format(time.RFC3339))
	}
	return cert, nil
}

// wrap76 base64 encodes data in 76 column lines.
func wrap76(data []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var buf bytes.Buffer
	for len(enc) > 76 {
		buf.WriteString(enc[:76])
		buf.WriteString("\r\n")
		enc = enc[76:]
	}
	buf.WriteString(enc)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// entity renders a MIME entity: headers, blank line, body.
func entity(headers [][2]string, body []byte) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// contentEntity is the innermost entity carrying the payload.
func contentEntity(contentType, attachment string, payload []byte) []byte {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	headers := [][2]string{{"Content-Type", contentType}, {"Content-Transfer-Encoding", "base64"}}
	if attachment != "" {
		headers = append(headers, [2]string{"Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": attachment})})
	}
	return entity(headers, wrap76(payload))
}

// sealEntity signs inner with the sender key (SHA-256, opaque signed-data)
// and encrypts the signed entity for every recipient certificate.
func sealEntity(inner []byte, signer *x509.Certificate, key crypto.PrivateKey, recipients []*x509.Certificate) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(inner)
	if err != nil {
		return nil, fmt.Errorf("prepare signature: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(signer, key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	signed, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	signedEntity := entity([][2]string{
		{"Content-Type", signedDataType},
		{"Content-Transfer-Encoding", "base64"},
	}, wrap76(signed))

	enveloped, err := pkcs7.Encrypt(signedEntity, recipients)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return enveloped, nil
}

// Opened is a decrypted and verified inbound message.
type Opened struct {
	ContentType string
	Filename    string
	Content     []byte
	Signer      *x509.Certificate
}

func readEntity(raw []byte) (*mail.Message, []byte, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("read mime entity: %w", err)
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, nil, err
	}
	if strings.EqualFold(strings.TrimSpace(msg.Header.Get("Content-Transfer-Encoding")), "base64") {
		body, err = base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(body)), ""))
		if err != nil {
			return nil, nil, fmt.Errorf("decode base64 body: %w", err)
		}
	}
	return msg, body, nil
}

// openEntity decrypts an enveloped-data blob with the recipient key and
// verifies the signed-data inside it.
func openEntity(enveloped []byte, cert *x509.Certificate, key crypto.PrivateKey) (*Opened, error) {
	p7, err := pkcs7.Parse(enveloped)
	if err != nil {
		return nil, fmt.Errorf("parse enveloped data: %w", err)
	}
	signedEntity, err := p7.Decrypt(cert, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	_, signed, err := readEntity(signedEntity)
	if err != nil {
		return nil, err
	}
	sp7, err := pkcs7.Parse(signed)
	if err != nil {
		return nil, fmt.Errorf("parse signed data: %w", err)
	}
	if err := sp7.Verify(); err != nil {
		return nil, fmt.Errorf("verify signature: %w", err)
	}
	inner, content, err := readEntity(sp7.Content)
	if err != nil {
		return nil, err
	}
	out := &Opened{ContentType: inner.Header.Get("Content-Type"), Content: content}
	if _, params, err := mime.ParseMediaType(inner.Header.Get("Content-Disposition")); err == nil {
		out.Filename = params["filename"]
	}
	if len(sp7.Certificates) > 0 {
		out.Signer = sp7.Certificates[0]
	}
	return out, nil
}
