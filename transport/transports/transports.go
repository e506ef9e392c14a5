// Package transports registers every bundled transport with
// transport.DefaultRegistry: aws, channel, http, kafka, nats and rabbitmq.
package transports

import (
	_ "github.com/drblury/esbflow/transport/aws"
	_ "github.com/drblury/esbflow/transport/channel"
	_ "github.com/drblury/esbflow/transport/http"
	_ "github.com/drblury/esbflow/transport/kafka"
	_ "github.com/drblury/esbflow/transport/nats"
	_ "github.com/drblury/esbflow/transport/rabbitmq"
)
