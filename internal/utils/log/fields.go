package log

import "go.uber.org/zap"

// Field helpers shared by the pairing components so log keys stay consistent.

func Owner(v string) zap.Field       { return zap.String("owner", v) }
func Channel(v string) zap.Field     { return zap.String("channel", v) }
func Nonce(v string) zap.Field       { return zap.String("nonce", v) }
func Fingerprint(v string) zap.Field { return zap.String("fingerprint", v) }
func BlobKey(v string) zap.Field     { return zap.String("blob_key", v) }
func MsgType(v string) zap.Field     { return zap.String("msg_type", v) }
