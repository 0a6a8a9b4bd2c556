package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type studentQuery struct {
	Id string `json:"id"`
}

type studentResult struct {
	Student struct {
		Name string `json:"name"`
	} `json:"student"`
}

func TestGraphQL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/graphql", r.URL.Path)

		var body struct {
			OperationName string         `json:"operationName"`
			Query         string         `json:"query"`
			Variables     map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "GetStudent", body.OperationName)

		if body.Variables["id"] == "missing" {
			w.Write([]byte(`{"data": null, "errors": [{"message": "student not found", "path": ["student"]}]}`))
			return
		}
		w.Write([]byte(`{"data": {"student": {"name": "ada"}}}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	query := `query GetStudent($id: ID!) { student(id: $id) { name } }`

	out, err := GraphQL[studentQuery, studentResult](context.Background(), client, "/graphql", "GetStudent", query, studentQuery{Id: "1"})
	require.NoError(t, err)
	require.Equal(t, "ada", out.Student.Name)

	_, err = GraphQL[studentQuery, studentResult](context.Background(), client, "/graphql", "GetStudent", query, studentQuery{Id: "missing"})
	var gqlErr *GraphQLError
	require.True(t, errors.As(err, &gqlErr), err)
	require.Equal(t, []string{"student not found"}, gqlErr.Messages)
}
