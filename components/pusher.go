package components

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/endpoint"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
)

var now = time.Now

// Pusher publishes blessed models. Without a deployer it copies them under the filesystem
// destination, otherwise it deploys them to the managed endpoint.
type Pusher struct {
	Deployer Deployer
}

// Execute implements pipeline.Executor.
func (p *Pusher) Execute(ctx context.Context, ec *pipeline.ExecutionContext) error {
	model, err := ec.Input("model")
	if err != nil {
		return err
	}
	blessing, err := ec.Input("model_blessing")
	if err != nil {
		return err
	}
	out, err := ec.Output(OutPushedModel)
	if err != nil {
		return err
	}

	if blessing.Property(metadata.PropertyBlessed) != "1" {
		ec.Logger.Infof("Model %d is not blessed, not pushing", model.ID)
		out.SetIntProperty(metadata.PropertyPushed, 0)
		return nil
	}

	var destination string
	if ec.Stage.Kind == KindVertexPusher {
		destination, err = p.deploy(ctx, ec, model)
	} else {
		destination, err = pushToFilesystem(ec, model)
	}
	if err != nil {
		return err
	}

	out.SetIntProperty(metadata.PropertyPushed, 1)
	out.SetProperty(metadata.PropertyPushedDest, destination)
	ec.Logger.Infof("Pushed model %d to %s", model.ID, destination)
	return nil
}

func pushToFilesystem(ec *pipeline.ExecutionContext, model *metadata.Artifact) (string, error) {
	fs, _ := ec.MapParam("push_destination")["filesystem"].(map[string]interface{})
	base, _ := fs["base_directory"].(string)
	if base == "" {
		base = ec.Environment.ServingModelDir
	}

	version := now().Unix()
	destination := filepath.Join(base, strconv.FormatInt(version, 10))
	for {
		if _, err := os.Stat(destination); os.IsNotExist(err) {
			break
		}
		version++
		destination = filepath.Join(base, strconv.FormatInt(version, 10))
	}
	if err := copyDir(model.URI, destination); err != nil {
		return "", errors.Wrapf(err, "failed to push model to %s", destination)
	}
	return destination, nil
}

func (p *Pusher) deploy(ctx context.Context, ec *pipeline.ExecutionContext, model *metadata.Artifact) (string, error) {
	if p.Deployer == nil {
		return "", errors.New("managed pusher has no deployer")
	}
	custom := ec.MapParam("custom_config")
	serving, _ := custom["serving_args"].(map[string]interface{})
	str := func(m map[string]interface{}, key string) string {
		s, _ := m[key].(string)
		return s
	}

	result, err := p.Deployer.Deploy(ctx, endpoint.Deployment{
		Project:      str(serving, "project_id"),
		Region:       str(custom, "vertex_region"),
		EndpointName: str(serving, "endpoint_name"),
		ModelName:    ec.Pipeline.Name,
		ArtifactURI:  model.URI,
		ServingImage: str(custom, "vertex_container_image_uri"),
		MachineType:  str(serving, "machine_type"),
	})
	if err != nil {
		return "", err
	}
	return result.Endpoint, nil
}

func copyDir(src string, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, os.ModePerm)
		}
		return copyFile(path, target)
	})
}

func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
