package fpm

import (
	"github.com/c2h5oh/datasize"
)

type Config struct {
	// Listen is the address the forwarding-plane feed connects to.
	Listen string `yaml:"listen"`
	// ParserBufSize bounds a single update message. Every accepted
	// connection allocates its own buffer.
	ParserBufSize datasize.ByteSize `yaml:"parser_buf_size"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:2620",
		ParserBufSize: 64 * datasize.KB,
	}
}
