package reactor

import "github.com/kamiyo/reactor/internal/buffer"

// Buffer is the type handed to MessageCallback: the connection's input
// buffer. It is an alias of internal/buffer.Buffer and exposes that
// type's full method set.
type Buffer = buffer.Buffer
