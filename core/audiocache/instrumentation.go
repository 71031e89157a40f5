package audiocache

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-tutor/core/audiocache"

var logger = otelslog.NewLogger(scopeName)
