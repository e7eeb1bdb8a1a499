package labelbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Resource is any named object with an id
type Resource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Ontology is a labeling schema
type Ontology = Resource

// Project is a labeling project
type Project = Resource

// Dataset holds uploaded data rows
type Dataset = Resource

// Model groups model runs that share an ontology
type Model = Resource

// ModelRun receives data rows and predictions
type ModelRun = Resource

func pick(list []Resource, name string) (Resource, bool) {
	for _, r := range list {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// FindOntology returns the ontology with exactly this name
func (c *Client) FindOntology(ctx context.Context, name string) (Ontology, error) {
	const q = `query GetOntologies($search: String) {
  ontologies(where: {search: $search}, first: 100) { nodes { id name } }
}`
	var out struct {
		Ontologies struct {
			Nodes []Resource `json:"nodes"`
		} `json:"ontologies"`
	}
	if err := c.query(ctx, q, map[string]any{"search": name}, &out); err != nil {
		return Ontology{}, err
	}
	if o, ok := pick(out.Ontologies.Nodes, name); ok {
		return o, nil
	}
	return Ontology{}, fmt.Errorf("%w: ontology %q", ErrNotFound, name)
}

// CreateOntology creates an image ontology from a normalized schema
func (c *Client) CreateOntology(ctx context.Context, name string, normalized OntologySchema) (Ontology, error) {
	const q = `mutation UpsertOntology($data: UpsertOntologyInput!) {
  upsertOntology(data: $data) { id name }
}`
	schema, err := json.Marshal(normalized)
	if err != nil {
		return Ontology{}, err
	}
	var out struct {
		UpsertOntology Resource `json:"upsertOntology"`
	}
	vars := map[string]any{"data": map[string]any{
		"name":       name,
		"normalized": string(schema),
		"mediaType":  "IMAGE",
	}}
	if err := c.query(ctx, q, vars, &out); err != nil {
		return Ontology{}, fmt.Errorf("create ontology %q: %w", name, err)
	}
	return out.UpsertOntology, nil
}

// EnsureOntology finds the ontology by name or creates it. The bool reports
// whether it was created.
func (c *Client) EnsureOntology(ctx context.Context, name string, normalized OntologySchema) (Ontology, bool, error) {
	return ensure(func() (Resource, error) { return c.FindOntology(ctx, name) },
		func() (Resource, error) { return c.CreateOntology(ctx, name, normalized) })
}

// FindProject returns the project with exactly this name
func (c *Client) FindProject(ctx context.Context, name string) (Project, error) {
	const q = `query GetProjects($name: String!) {
  projects(where: {name: $name}) { id name }
}`
	var out struct {
		Projects []Resource `json:"projects"`
	}
	if err := c.query(ctx, q, map[string]any{"name": name}, &out); err != nil {
		return Project{}, err
	}
	if p, ok := pick(out.Projects, name); ok {
		return p, nil
	}
	return Project{}, fmt.Errorf("%w: project %q", ErrNotFound, name)
}

// CreateProject creates an image project
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	const q = `mutation CreateProject($data: ProjectCreateInput!) {
  createProject(data: $data) { id name }
}`
	var out struct {
		CreateProject Resource `json:"createProject"`
	}
	vars := map[string]any{"data": map[string]any{
		"name":        name,
		"description": description,
		"mediaType":   "IMAGE",
	}}
	if err := c.query(ctx, q, vars, &out); err != nil {
		return Project{}, fmt.Errorf("create project %q: %w", name, err)
	}
	return out.CreateProject, nil
}

// EnsureProject finds the project by name or creates it
func (c *Client) EnsureProject(ctx context.Context, name, description string) (Project, bool, error) {
	return ensure(func() (Resource, error) { return c.FindProject(ctx, name) },
		func() (Resource, error) { return c.CreateProject(ctx, name, description) })
}

// ConnectOntology attaches an ontology to a project
func (c *Client) ConnectOntology(ctx context.Context, projectID, ontologyID string) error {
	const q = `mutation ConnectOntology($projectId: ID!, $ontologyId: ID!) {
  project(where: {id: $projectId}) { connectOntology(ontologyId: $ontologyId) { id } }
}`
	return c.query(ctx, q, map[string]any{"projectId": projectID, "ontologyId": ontologyID}, nil)
}

// CreateDataset creates an empty dataset
func (c *Client) CreateDataset(ctx context.Context, name, description string) (Dataset, error) {
	const q = `mutation CreateDataset($data: DatasetCreateInput!) {
  createDataset(data: $data) { id name }
}`
	var out struct {
		CreateDataset Resource `json:"createDataset"`
	}
	vars := map[string]any{"data": map[string]any{"name": name, "description": description}}
	if err := c.query(ctx, q, vars, &out); err != nil {
		return Dataset{}, fmt.Errorf("create dataset %q: %w", name, err)
	}
	return out.CreateDataset, nil
}

// FindModel returns the model with exactly this name
func (c *Client) FindModel(ctx context.Context, name string) (Model, error) {
	const q = `query GetModels { models { id name } }`
	var out struct {
		Models []Resource `json:"models"`
	}
	if err := c.query(ctx, q, nil, &out); err != nil {
		return Model{}, err
	}
	if m, ok := pick(out.Models, name); ok {
		return m, nil
	}
	return Model{}, fmt.Errorf("%w: model %q", ErrNotFound, name)
}

// CreateModel creates a model bound to an ontology
func (c *Client) CreateModel(ctx context.Context, name, ontologyID string) (Model, error) {
	const q = `mutation CreateModel($name: String!, $ontologyId: ID!) {
  createModel(data: {name: $name, ontologyId: $ontologyId}) { id name }
}`
	var out struct {
		CreateModel Resource `json:"createModel"`
	}
	if err := c.query(ctx, q, map[string]any{"name": name, "ontologyId": ontologyID}, &out); err != nil {
		return Model{}, fmt.Errorf("create model %q: %w", name, err)
	}
	return out.CreateModel, nil
}

// EnsureModel finds the model by name or creates it
func (c *Client) EnsureModel(ctx context.Context, name, ontologyID string) (Model, bool, error) {
	return ensure(func() (Resource, error) { return c.FindModel(ctx, name) },
		func() (Resource, error) { return c.CreateModel(ctx, name, ontologyID) })
}

// FindModelRun returns the run of modelID with exactly this name
func (c *Client) FindModelRun(ctx context.Context, modelID, name string) (ModelRun, error) {
	const q = `query GetModelRuns($modelId: ID!) {
  model(where: {id: $modelId}) { modelRuns { id name } }
}`
	var out struct {
		Model *struct {
			ModelRuns []Resource `json:"modelRuns"`
		} `json:"model"`
	}
	if err := c.query(ctx, q, map[string]any{"modelId": modelID}, &out); err != nil {
		return ModelRun{}, err
	}
	if out.Model == nil {
		return ModelRun{}, fmt.Errorf("%w: model %s", ErrNotFound, modelID)
	}
	if r, ok := pick(out.Model.ModelRuns, name); ok {
		return r, nil
	}
	return ModelRun{}, fmt.Errorf("%w: model run %q", ErrNotFound, name)
}

// CreateModelRun creates a run under modelID
func (c *Client) CreateModelRun(ctx context.Context, modelID, name string) (ModelRun, error) {
	const q = `mutation CreateModelRun($modelId: ID!, $name: String!) {
  createModelRun(data: {modelId: $modelId, name: $name}) { id name }
}`
	var out struct {
		CreateModelRun Resource `json:"createModelRun"`
	}
	if err := c.query(ctx, q, map[string]any{"modelId": modelID, "name": name}, &out); err != nil {
		return ModelRun{}, fmt.Errorf("create model run %q: %w", name, err)
	}
	return out.CreateModelRun, nil
}

// EnsureModelRun finds the run by name or creates it
func (c *Client) EnsureModelRun(ctx context.Context, modelID, name string) (ModelRun, bool, error) {
	return ensure(func() (Resource, error) { return c.FindModelRun(ctx, modelID, name) },
		func() (Resource, error) { return c.CreateModelRun(ctx, modelID, name) })
}

// UpsertDataRows adds data rows to a model run by global key
func (c *Client) UpsertDataRows(ctx context.Context, modelRunID string, globalKeys []string) error {
	const q = `mutation UpsertModelRunDataRows($modelRunId: ID!, $globalKeys: [ID!]) {
  upsertDataRowsToModelRun(modelRunId: $modelRunId, globalKeys: $globalKeys) { id }
}`
	if len(globalKeys) == 0 {
		return nil
	}
	return c.query(ctx, q, map[string]any{"modelRunId": modelRunID, "globalKeys": globalKeys}, nil)
}

func ensure(find, create func() (Resource, error)) (Resource, bool, error) {
	r, err := find()
	if err == nil {
		return r, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Resource{}, false, err
	}
	r, err = create()
	if err != nil {
		return Resource{}, false, err
	}
	return r, true, nil
}
