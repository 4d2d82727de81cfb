package qr

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/yeqown/go-qrcode"
)

const defaultModuleWidth = 8

// Renderer 把凭证生成PNG二维码
type Renderer struct {
	moduleWidth uint8
}

func NewRenderer() *Renderer {
	return &Renderer{moduleWidth: defaultModuleWidth}
}

// PNG 生成二维码图片
func (r *Renderer) PNG(text string) ([]byte, error) {
	qrc, err := qrcode.New(text,
		qrcode.WithBuiltinImageEncoder(qrcode.PNG_FORMAT),
		qrcode.WithQRWidth(r.moduleWidth),
	)
	if err != nil {
		return nil, fmt.Errorf("build qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := qrc.SaveTo(&buf); err != nil {
		return nil, fmt.Errorf("encode qr png: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURL 把PNG包装成可内嵌显示的data URL
func DataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
