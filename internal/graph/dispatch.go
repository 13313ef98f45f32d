package graph

import (
	"context"
	"encoding/base64"

	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/model"
	"github.com/banksean/testbus/internal/tracing"
)

// NewHandler builds the master's bus.Handler, the single entry point every
// inbound Call envelope funnels through: it resolves (interface, method)
// against model.Interfaces and routes to the matching Graph operation,
// the "declarative router" design of spec.md §9 in place of the source's
// per-class function-pointer table.
func (g *Graph) NewHandler() bus.Handler {
	return func(ctx context.Context, sender, path, iface, method string, args map[string]any) (map[string]any, error) {
		if _, err := model.LookupMethod(iface, method); err != nil {
			return nil, err
		}
		ctx, span := tracing.StartCall(ctx, path, iface, method)
		defer span.End()

		switch iface + "." + method {
		case "Container.getChildByName":
			class, _ := args["class"].(string)
			name, _ := args["name"].(string)
			p, err := g.GetChildByName(path, model.Class(class), name)
			return reply("path", p), err

		case "Container.delete":
			return nil, g.Delete(path)

		case "Environment.setenv":
			name, _ := args["name"].(string)
			value, _ := args["value"].(string)
			return nil, g.Setenv(path, name, value)

		case "Environment.getenv":
			name, _ := args["name"].(string)
			v, err := g.Getenv(path, name)
			return reply("value", v), err

		case "CommandQueue.createCommand":
			argv := toStringSlice(args["argv"])
			options, _ := args["options"].(map[string]any)
			p, err := g.CreateCommand(path, argv, options)
			return reply("path", p), err

		case "Fileset.createFile":
			name, _ := args["name"].(string)
			mode := toFileMode(args["mode"])
			p, err := g.CreateFile(path, name, mode)
			return reply("path", p), err

		case "Fileset.createFileFromArtifact":
			name, _ := args["name"].(string)
			mode := toFileMode(args["mode"])
			ref, _ := args["ref"].(string)
			p, err := g.CreateFileFromArtifact(path, name, mode, ref)
			return reply("path", p), err

		case "Tmpfile.append":
			data := toBytes(args["bytes"])
			seq, err := g.Append(path, data)
			return reply("iseq", seq), err

		case "Tmpfile.retrieve":
			offset := toInt(args["offset"])
			count := toInt(args["count"])
			data, err := g.Retrieve(path, offset, count)
			if err != nil {
				return nil, err
			}
			return reply("bytes", base64.StdEncoding.EncodeToString(data)), nil

		case "Tmpfile.deleted":
			return nil, g.DeleteFile(path)

		case "Testset.createTest":
			name, _ := args["name"].(string)
			p, err := g.CreateTest(path, name)
			return reply("path", p), err

		case "Hostset.addHost":
			role, _ := args["role"].(string)
			hostPath, _ := args["path"].(string)
			return nil, g.AddHost(path, role, hostPath)

		case "Hostset.shutdown", "HostList.shutdown":
			return nil, g.BroadcastShutdown()

		case "Hostset.reboot", "HostList.reboot":
			return nil, g.BroadcastReboot()

		case "HostList.createHost":
			name, _ := args["name"].(string)
			p, err := g.CreateHost(sender, name)
			return reply("path", p), err

		case "HostList.reconnect":
			name, _ := args["name"].(string)
			hostUUID, _ := args["uuid"].(string)
			p, err := g.Reconnect(sender, name, hostUUID)
			return reply("path", p), err

		case "HostList.removeHost":
			name, _ := args["name"].(string)
			return nil, g.RemoveHost(name)

		case "HostList.list":
			infos := g.ListHosts()
			hosts := make([]map[string]any, 0, len(infos))
			for _, hi := range infos {
				hosts = append(hosts, map[string]any{
					"path":         hi.Path,
					"name":         hi.Name,
					"uuid":         hi.UUID,
					"capabilities": hi.Capabilities,
					"agent-live":   hi.AgentLive,
					"ready":        hi.Ready,
					"role":         hi.Role,
					"owner":        hi.Owner,
				})
			}
			return reply("hosts", hosts), nil

		case "Host.run":
			commandPath, _ := args["commandPath"].(string)
			p, err := g.Run(path, commandPath)
			return reply("processPath", p), err

		case "Host.addCapability":
			name, _ := args["name"].(string)
			return nil, g.AddCapability(path, name)

		case "Host.shutdown":
			return nil, g.HostShutdown(path)

		case "Host.reboot":
			return nil, g.HostReboot(path)

		case "Host.agentFileInfo":
			filePath, _ := args["path"].(string)
			return g.AgentFileInfo(ctx, path, filePath)

		case "Host.agentFileDownload":
			filePath, _ := args["path"].(string)
			offset := toUint64(args["offset"])
			count := toUint32(args["count"])
			data, err := g.AgentFileDownload(ctx, path, filePath, offset, count)
			if err != nil {
				return nil, err
			}
			return reply("bytes", base64.StdEncoding.EncodeToString(data)), nil

		case "Host.agentFileUpload":
			filePath, _ := args["path"].(string)
			offset := toUint64(args["offset"])
			data := toBytes(args["bytes"])
			return nil, g.AgentFileUpload(ctx, path, filePath, offset, data)

		case "Process.setExitInfo":
			info, _ := args["info"].(map[string]any)
			return nil, g.SetExitInfo(path, info)

		case "Eventlog.add":
			class, _ := args["class"].(string)
			typ, _ := args["type"].(string)
			payload, _ := args["payload"].(map[string]any)
			seq, err := g.AddEvent(path, class, typ, payload)
			return reply("iseq", seq), err

		case "Eventlog.purge":
			seq := toUint64(args["uptoSeq"])
			if seq == 0 {
				return nil, g.PurgeAll(path)
			}
			return nil, g.PurgeUpTo(path, seq)

		case "Eventlog.getEvents":
			since := toUint64(args["since"])
			events, err := g.Events(path, since)
			if err != nil {
				return nil, err
			}
			lastSeq, err := g.LastSeq(path)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(events))
			for _, e := range events {
				out = append(out, map[string]any{"iseq": e.Seq, "class": e.Class, "type": e.Type, "payload": e.Payload})
			}
			return map[string]any{"events": out, "last-seq": lastSeq}, nil

		default:
			return nil, model.Errorf(model.MethodNotSupported, "bus.dispatch", path, "%s.%s has no handler", iface, method)
		}
	}
}

func reply(key string, v any) map[string]any { return map[string]any{key: v} }

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toBytes(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		b, err := base64.StdEncoding.DecodeString(t)
		if err == nil {
			return b
		}
		return []byte(t)
	default:
		return nil
	}
}

func toFileMode(v any) FileMode {
	switch t := v.(type) {
	case float64:
		return FileMode(t)
	case int:
		return FileMode(t)
	case uint32:
		return FileMode(t)
	default:
		return 0
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

func toUint32(v any) uint32 {
	switch t := v.(type) {
	case float64:
		return uint32(t)
	case uint32:
		return t
	case int:
		return uint32(t)
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch t := v.(type) {
	case float64:
		return uint64(t)
	case uint64:
		return t
	case int:
		return uint64(t)
	default:
		return 0
	}
}
