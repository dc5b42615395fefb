package transport

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"cineshorts/internal/domain"
)

// ProgressFunc 接收 0~100 的上传百分比，保证单调不减。
type ProgressFunc func(percent int)

// Upload 以 multipart/form-data 流式上传文件（字段名 file）。
// 所有进度回调都在 Upload 返回之前完成；ctx 取消时返回 ErrCanceled。
func (c *Client) Upload(ctx context.Context, file domain.UploadFile, onProgress ProgressFunc) (domain.UploadReceipt, error) {
	const op = "upload"

	if file.Open == nil {
		return domain.UploadReceipt{}, &Error{Op: op, Code: CodeNetwork, Message: "upload file has no content"}
	}

	src, err := file.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.UploadReceipt{}, ErrCanceled
		}
		return domain.UploadReceipt{}, &Error{Op: op, Code: CodeNetwork, Message: fmt.Sprintf("open source: %v", err)}
	}
	defer src.Close()

	progress := &progressReader{r: src, total: file.SizeBytes, report: onProgress, last: -1}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		progress.emit(0)
		err := writeFilePart(form, file, progress)
		if err == nil {
			err = form.Close()
		}
		if err == nil {
			progress.emit(100)
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/", nil), pr)
	if err != nil {
		pr.CloseWithError(err)
		<-writerDone
		return domain.UploadReceipt{}, &Error{Op: op, Code: CodeNetwork, Message: err.Error()}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	var receipt domain.UploadReceipt
	sendErr := c.send(ctx, op, req, &receipt)

	// 服务端可能在请求体写完之前就返回，这里确保写入协程退出后再交出结果。
	pr.CloseWithError(io.ErrClosedPipe)
	<-writerDone

	if sendErr != nil {
		return domain.UploadReceipt{}, sendErr
	}
	if strings.TrimSpace(receipt.Filename) == "" {
		receipt.Filename = file.Name
	}
	return receipt, nil
}

func writeFilePart(form *multipart.Writer, file domain.UploadFile, body io.Reader) error {
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
	header.Set("Content-Type", contentType)

	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, body)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// progressReader 统计已读取字节数并换算成百分比。
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.total > 0 {
			// 100 留到 multipart 结尾写完后再报告
			p.emit(min(int(p.read*100/p.total), 99))
		}
	}
	return n, err
}

func (p *progressReader) emit(percent int) {
	if p.report == nil || percent <= p.last {
		return
	}
	p.last = percent
	p.report(percent)
}
