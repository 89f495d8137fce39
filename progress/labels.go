package progress

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Phase labels shown next to the bar.
const (
	LabelIdle        = "Aguardando arquivo…"
	LabelPreparing   = "Preparando…"
	LabelUploading   = "Enviando…"
	LabelUploaded    = "Upload concluído"
	LabelProcessing  = "Processando no servidor…"
	LabelDownloading = "Baixando resultado…"
	LabelDone        = "Concluído"
)

// BytesLabel renders "Enviando… 12 MB / 40 MB", or only the transferred size
// when total is unknown.
func BytesLabel(phase string, n, total int64) string {
	if n < 0 {
		n = 0
	}
	if total <= 0 {
		return fmt.Sprintf("%s %s", phase, humanize.Bytes(uint64(n)))
	}
	return fmt.Sprintf("%s %s / %s", phase, humanize.Bytes(uint64(n)), humanize.Bytes(uint64(total)))
}
