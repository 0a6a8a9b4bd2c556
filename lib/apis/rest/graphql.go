package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type graphqlQueryObject struct {
	Name      string `json:"operationName"`
	Variables any    `json:"variables"`
	Query     string `json:"query"`
}

type graphqlErrorEntry struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

type graphqlQueryResult[Data any] struct {
	Data   Data                `json:"data"`
	Errors []graphqlErrorEntry `json:"errors"`
}

// GraphQLError is returned when the response carries a non-empty errors list.
type GraphQLError struct {
	Operation string
	Messages  []string
}

func (e *GraphQLError) Error() string {
	return fmt.Sprintf("graphql %s: %s", e.Operation, strings.Join(e.Messages, "; "))
}

// GraphQL posts a named query to `path` (relative to the base url) and
// decodes the response's data field into Output.
func GraphQL[Input, Output any](
	ctx context.Context,
	client *Client,
	path,
	name,
	query string,
	variables Input,
) (Output, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("graphql:%s", name))
	defer span.End()

	span.SetAttributes(attribute.String("graphql.operation", name))
	serialized, err := json.Marshal(variables)
	if err == nil {
		span.SetAttributes(attribute.String("graphql.variables", string(serialized)))
	}

	var defaultOut Output

	body, err := json.Marshal(graphqlQueryObject{
		Name:      name,
		Query:     query,
		Variables: variables,
	})
	if err != nil {
		span.SetStatus(codes.Error, "failed to serialize json query")
		return defaultOut, err
	}

	err = client.limiter.Wait(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "rate limiter wait aborted")
		return defaultOut, err
	}

	target := client.url(path)
	res, err := client.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch")
		return defaultOut, err
	}
	if res.StatusCode() < 200 || res.StatusCode() >= 300 {
		err := &StatusError{Url: target, StatusCode: res.StatusCode(), Body: string(res.Body())}
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected status")
		return defaultOut, err
	}

	var result graphqlQueryResult[Output]
	err = json.Unmarshal(res.Body(), &result)
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse json response")
		return defaultOut, err
	}
	if len(result.Errors) > 0 {
		gqlErr := &GraphQLError{Operation: name}
		for _, e := range result.Errors {
			gqlErr.Messages = append(gqlErr.Messages, e.Message)
		}
		span.RecordError(gqlErr)
		span.SetStatus(codes.Error, "graphql errors")
		return defaultOut, gqlErr
	}

	return result.Data, nil
}
